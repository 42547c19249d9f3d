package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind distinguishes requests from their outcomes
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Frame is the envelope exchanged over every transport. ID correlates a
// response or error frame with the request that produced it.
type Frame struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewRequest builds a request frame, marshaling params into the payload
func NewRequest(id, method string, params any) (*Frame, error) {
	payload, err := marshalPayload(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}
	return &Frame{ID: id, Kind: KindRequest, Method: method, Payload: payload}, nil
}

// NewResponse builds a response frame carrying result
func NewResponse(id string, result any) (*Frame, error) {
	payload, err := marshalPayload(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Frame{ID: id, Kind: KindResponse, Payload: payload}, nil
}

// NewErrorFrame builds an error-kind frame
func NewErrorFrame(id string, rpcErr *RPCError) *Frame {
	return &Frame{ID: id, Kind: KindError, Error: rpcErr}
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(v)
}

// Validate checks that a frame is well formed for its kind
func (f *Frame) Validate() error {
	if f.ID == "" {
		return NewRPCError(InvalidRequest, "Invalid Request", "frame id is required")
	}
	switch f.Kind {
	case KindRequest:
		if f.Method == "" {
			return NewRPCError(InvalidRequest, "Invalid Request", "request frame requires a method")
		}
	case KindResponse:
	case KindError:
		if f.Error == nil {
			return NewRPCError(InvalidRequest, "Invalid Request", "error frame requires an error body")
		}
	default:
		return NewRPCError(InvalidRequest, "Invalid Request", fmt.Sprintf("unknown frame kind %q", f.Kind))
	}
	return nil
}

// Encode serializes a frame after validating it
func Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses and validates a frame
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, NewRPCError(ParseError, "Parse error", err.Error())
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// DecodePayload unmarshals the frame payload into v
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return NewRPCError(InvalidParams, "Invalid params", err.Error())
	}
	return nil
}
