package bridge

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotConnected is returned when a live operation is attempted without
	// an established link.
	ErrNotConnected = errors.New("bridge: not connected")
	// ErrNoTools is returned when the handshake succeeds but the backend
	// lists no tools.
	ErrNoTools = errors.New("bridge: backend exposes no tools")
	// ErrBadToolEntry is returned when a listed tool has no name.
	ErrBadToolEntry = errors.New("bridge: malformed tool entry")
)

// connectivityPatterns are substrings of transport-level failures as surfaced
// by stdio pipes, process exits, and the MCP client library.
var connectivityPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"transport",
	"file already closed",
	"process exited",
	"pipe closed",
	"deadline exceeded",
	"not connected",
}

// IsConnectivityError reports whether err looks like a transport failure
// rather than a domain error from the backend. Connectivity failures are the
// only ones worth a fallback retry.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range connectivityPatterns {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}
