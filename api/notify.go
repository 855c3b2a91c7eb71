// File: api/notify.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Codes carried on the layer-specific notification channel.

package api

// NotifyKind separates generic state notifications from layer-specific ones.
type NotifyKind int

const (
	KindStateChange NotifyKind = iota
	KindLayerSpecific
)

// NotifyType is the layer-specific notification type.
type NotifyType int

const (
	NotifyInfo NotifyType = iota
	NotifyFailure
	NotifyVerifyCert
	NotifyVerboseWarning
	NotifyVerboseInfo
)

func (t NotifyType) String() string {
	switch t {
	case NotifyInfo:
		return "info"
	case NotifyFailure:
		return "failure"
	case NotifyVerifyCert:
		return "verify_cert"
	case NotifyVerboseWarning:
		return "verbose_warning"
	case NotifyVerboseInfo:
		return "verbose_info"
	}
	return "unknown"
}

// INFO values.
const (
	InfoEstablished      = 0
	InfoShutdownComplete = 1
)

// FAILURE bits. FailureUnknown is the empty mask.
const (
	FailureUnknown        = 0
	FailureEstablish      = 0x01
	FailureLoadLibrary    = 0x02
	FailureInit           = 0x04
	FailureVerifyCert     = 0x08
	FailureCertRejected   = 0x10
	FailureNoSessionReuse = 0x20
)

// Proxy FAILURE values.
const (
	ProxyErrorNoConn = iota + 1
	ProxyErrorRequestFailed
	ProxyErrorAuthFailed
	ProxyErrorProtocol
	ProxyErrorCantResolveHost
)
