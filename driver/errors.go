package driver

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// Sentinel errors shared across drivers.
var (
	ErrNotConnected      = errors.New("not connected")
	ErrUnknownKind       = errors.New("unknown driver kind")
	ErrBrowseUnsupported = errors.New("browse not supported")
	ErrAuthRejected      = errors.New("authentication rejected")
	ErrClosing           = errors.New("connection closing")
)

// ErrorKind buckets a failure for retry policy decisions.
type ErrorKind int

const (
	// ErrTransport covers refused/reset/timeout socket failures.
	// Policy: reconnect with backoff.
	ErrTransport ErrorKind = iota
	// ErrAuth covers rejected credentials and TLS verification
	// failures. Policy: no auto-retry, surface error status.
	ErrAuth
	// ErrProtocol covers malformed payloads and unsupported addresses.
	// Policy: log once, drop the message, continue.
	ErrProtocol
	// ErrConfig covers unusable configuration. Policy: refuse the
	// upsert, keep prior state.
	ErrConfig
	// ErrCancelled covers deliberate aborts during disconnect/delete.
	// Policy: silent success.
	ErrCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransport:
		return "transport"
	case ErrAuth:
		return "auth"
	case ErrProtocol:
		return "protocol"
	case ErrConfig:
		return "config"
	case ErrCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ClassifyError assigns an error to its taxonomy bucket.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrProtocol
	case errors.Is(err, context.Canceled), errors.Is(err, ErrClosing):
		return ErrCancelled
	case errors.Is(err, ErrAuthRejected):
		return ErrAuth
	case errors.Is(err, ErrUnknownKind):
		return ErrConfig
	case IsTransportError(err):
		return ErrTransport
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"bad user name or password", "not authorized", "unauthorized", "certificate", "x509", "tls:"} {
		if strings.Contains(msg, kw) {
			return ErrAuth
		}
	}
	return ErrProtocol
}

// IsTransportError reports whether an error indicates a broken or
// unreachable connection that warrants a reconnect attempt.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"i/o timeout",
		"no route to host",
		"network is unreachable",
		"connection timed out",
		"eof",
		"socket closed",
		"forcibly closed",
	} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
