package wsclient

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned by Send when no socket is open.
	ErrNotConnected = errors.New("wsclient: not connected")

	// ErrExhausted is the terminal cause once MaxReconnect consecutive
	// attempts have failed.
	ErrExhausted = errors.New("wsclient: reconnect attempts exhausted")
)

// TransportError is a dial, read or write failure on the socket. The
// connection is dropped and retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a malformed or unencodable message. Only that message
// is dropped; the connection stays open.
type ProtocolError struct {
	Type string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol: %v", e.Err)
	}
	return fmt.Sprintf("protocol (%s): %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is a per-message protocol failure.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// isRefusedOrReset matches the routine "relay is down" failures.
func isRefusedOrReset(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// isNormalClose matches a clean close initiated by either side.
func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}
