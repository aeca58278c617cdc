package server

import "strings"

// Transport is one live connection the relay can push frames to. Send must
// not block; it reports false when the frame could not be queued.
type Transport interface {
	Send(payload []byte) bool
}

// Fanout delivers a frame to every connected transport except one.
type Fanout interface {
	Broadcast(payload []byte, except Transport) int
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
