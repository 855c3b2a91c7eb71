// File: trust/prompt.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Console confirmation of unknown or changed peer keys.

package trust

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

var (
	// ErrBatchMode rejects a key without asking because nobody can answer.
	ErrBatchMode = errors.New("trust: batch mode, connection abandoned")
	// ErrAbandoned is returned when the user declines the key.
	ErrAbandoned = errors.New("trust: connection abandoned")
)

// Decision is the outcome of a key confirmation.
type Decision int

const (
	Reject Decision = iota
	AcceptOnce
	AcceptAndStore
)

func (d Decision) Accepted() bool { return d != Reject }

// Prompter confirms a peer key with the user.
type Prompter interface {
	VerifyHostKey(host string, port int, algorithm, fingerprint string, isNew bool) (Decision, error)
}

const (
	absentMsg = "The server's host key is not cached. You have no guarantee\n" +
		"that the server is the computer you think it is.\n" +
		"The server's %s key fingerprint is:\n%s\n"
	changedMsg = "WARNING - POTENTIAL SECURITY BREACH!\n" +
		"The server's host key does not match the cached one. Either the\n" +
		"server administrator has changed the key, or you have connected\n" +
		"to another computer pretending to be the server.\n" +
		"The new %s key fingerprint is:\n%s\n"
	askAbsent = "If you trust this host, enter \"y\" to add the key to the cache\n" +
		"and carry on connecting. To connect just once, enter \"n\".\n" +
		"Anything else abandons the connection.\nStore key in cache? (y/n) "
	askChanged = "If you expected this change and trust the new key, enter \"y\"\n" +
		"to update the cache. To connect without updating it, enter \"n\".\n" +
		"Anything else abandons the connection.\nUpdate cached key? (y/n) "
	abandonedMsg = "Connection abandoned.\n"
)

// ConsolePrompt asks on a terminal. Batch mode is explicit, or implied
// when In is a file that is not a terminal.
type ConsolePrompt struct {
	In    io.Reader
	Out   io.Writer
	Batch bool

	mu   sync.Mutex
	rd   *bufio.Reader
	rdOf io.Reader
}

// NewConsolePrompt prompts on stdin and stderr.
func NewConsolePrompt(batch bool) *ConsolePrompt {
	return &ConsolePrompt{In: os.Stdin, Out: os.Stderr, Batch: batch}
}

func (p *ConsolePrompt) batch() bool {
	if p.Batch {
		return true
	}
	if f, ok := p.In.(*os.File); ok {
		return !term.IsTerminal(int(f.Fd()))
	}
	return false
}

// reader keeps one buffer per In so input read ahead of the first answer
// is still there for the next prompt.
func (p *ConsolePrompt) reader() *bufio.Reader {
	if p.rd == nil || p.rdOf != p.In {
		p.rd, p.rdOf = bufio.NewReader(p.In), p.In
	}
	return p.rd
}

// VerifyHostKey prints the key and reads one answer: "y" accepts and
// stores, "n" accepts once, anything else abandons.
func (p *ConsolePrompt) VerifyHostKey(host string, port int, algorithm, fingerprint string, isNew bool) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.Out
	if out == nil {
		out = io.Discard
	}
	msg, ask := absentMsg, askAbsent
	if !isNew {
		msg, ask = changedMsg, askChanged
	}
	fmt.Fprintf(out, "Host %s port %d\n", host, port)
	fmt.Fprintf(out, msg, algorithm, fingerprint)
	if p.batch() || p.In == nil {
		fmt.Fprint(out, abandonedMsg)
		return Reject, ErrBatchMode
	}
	fmt.Fprint(out, ask)

	line, err := p.reader().ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return Reject, fmt.Errorf("trust: read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y":
		return AcceptAndStore, nil
	case "n":
		return AcceptOnce, nil
	}
	fmt.Fprint(out, abandonedMsg)
	return Reject, ErrAbandoned
}
