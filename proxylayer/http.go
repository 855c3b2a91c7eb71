// File: proxylayer/http.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package proxylayer

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/momentics/hioload-sock/api"
)

// maxReplyHeader bounds the proxy's status line and headers.
const maxReplyHeader = 16 * 1024

var headerEnd = []byte("\r\n\r\n")

func httpConnectRequest(host string, port int, user, pass string) []byte {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	var b bytes.Buffer
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if user != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// parseHTTPReply looks for a complete reply header in b. n is the header
// length, or 0 while incomplete. A non-2xx status is an error with its
// FAILURE value in code.
func parseHTTPReply(b []byte) (n, code int, err error) {
	end := bytes.Index(b, headerEnd)
	if end < 0 {
		if len(b) > maxReplyHeader {
			return 0, api.ProxyErrorProtocol, fmt.Errorf("%w: reply header too large", ErrProtocol)
		}
		return 0, 0, nil
	}
	end += len(headerEnd)
	resp, rerr := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[:end])), &http.Request{Method: http.MethodConnect})
	if rerr != nil {
		return 0, api.ProxyErrorProtocol, fmt.Errorf("%w: %v", ErrProtocol, rerr)
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return end, 0, nil
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return 0, api.ProxyErrorAuthFailed, fmt.Errorf("%w: %s", ErrAuth, resp.Status)
	}
	return 0, api.ProxyErrorRequestFailed, fmt.Errorf("%w: %s", ErrRequest, resp.Status)
}
