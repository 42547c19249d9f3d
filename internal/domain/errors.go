package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by transports, the client and the server.
var (
	ErrNotConnected         = errors.New("transport not connected")
	ErrTransportClosed      = errors.New("transport closed")
	ErrRequestTimeout       = errors.New("request timeout")
	ErrUnsupportedTransport = errors.New("unsupported transport type")
	ErrMethodNotFound       = errors.New("method not found")
	ErrAlreadySubscribed    = errors.New("transport already has a subscriber")
	ErrRoleTaken            = errors.New("memory channel role already registered")
)

// ConnectionError reports a medium-level failure while connecting or
// while the connection was in use.
type ConnectionError struct {
	Transport string
	Endpoint  string
	Err       error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("%s connection failed: %v", e.Transport, e.Err)
	}
	return fmt.Sprintf("%s connection to %s failed: %v", e.Transport, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err as a ConnectionError
func NewConnectionError(transport, endpoint string, err error) *ConnectionError {
	return &ConnectionError{Transport: transport, Endpoint: endpoint, Err: err}
}

// UnsupportedTransportError is returned by the transport factory for an unknown type
type UnsupportedTransportError struct {
	Type string
}

// Error implements the error interface
func (e *UnsupportedTransportError) Error() string {
	return fmt.Sprintf("unsupported transport type: %q", e.Type)
}

// Is matches ErrUnsupportedTransport
func (e *UnsupportedTransportError) Is(target error) bool {
	return target == ErrUnsupportedTransport
}

// HandlerError wraps a failure raised by a server-side method handler
type HandlerError struct {
	Method string
	Err    error
}

// Error implements the error interface
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %v", e.Method, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
