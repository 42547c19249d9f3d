package protocol

import (
	"fmt"
)

// RPCError is the error body carried by error-kind frames
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// MCP-specific error codes
	MCPUnauthorized  = -32000
	MCPRateLimited   = -32001
	MCPResourceError = -32002
	MCPHandlerError  = -32003
)

// Error implements the error interface
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError creates an RPCError
func NewRPCError(code int, message string, data any) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data}
}

// MethodNotFoundError builds the error returned for an unregistered method
func MethodNotFoundError(method string) *RPCError {
	return NewRPCError(MethodNotFound, "Method not found", fmt.Sprintf("Method '%s' not found", method))
}
