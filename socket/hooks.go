// File: socket/hooks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import "github.com/momentics/hioload-sock/api"

// Hooks receives application-visible notifications. A nil error is success.
type Hooks interface {
	OnReceive(err error)
	OnSend(err error)
	OnConnect(err error)
	OnAccept(err error)
	OnClose(err error)
}

// LayerCallbackHandler is implemented by hooks that want layer notifications.
type LayerCallbackHandler interface {
	OnLayerCallback(notes []Notification)
}

// OutOfBandHandler is implemented by hooks that want urgent-data notices.
type OutOfBandHandler interface {
	OnOutOfBand(err error)
}

// NopHooks ignores every notification. Embed it to override selectively.
type NopHooks struct{}

func (NopHooks) OnReceive(error) {}
func (NopHooks) OnSend(error)    {}
func (NopHooks) OnConnect(error) {}
func (NopHooks) OnAccept(error)  {}
func (NopHooks) OnClose(error)   {}

// Notification is one entry on the layer notification channel.
type Notification struct {
	Layer   Layer
	LayerID uint64
	Kind    api.NotifyKind
	Type    api.NotifyType
	Param1  int
	Param2  int
	Str     string
	// Data carries layer-specific payloads such as certificate data.
	Data any
}

// Is reports whether n is a layer-specific notification of type t.
func (n Notification) Is(t api.NotifyType) bool {
	return n.Kind == api.KindLayerSpecific && n.Type == t
}
