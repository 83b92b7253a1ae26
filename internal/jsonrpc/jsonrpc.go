// Package jsonrpc holds the JSON-RPC 2.0 frame types exchanged over the
// stdio transport.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "2.0"

const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a JSON-RPC error object. It also satisfies the error interface so
// handlers can return it directly and keep their code.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: %s (code: %d)", e.Message, e.Code)
}

// WithData returns a copy of the error carrying data.
func (e *Error) WithData(data any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

func NewInvalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: msg}
}

func NewMethodNotFound(msg string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: msg}
}

func NewInvalidParams(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Message: msg}
}

func NewInternalError(msg string) *Error {
	return &Error{Code: CodeInternalError, Message: msg}
}

// Request is an inbound frame. ID is kept as raw bytes so it can be echoed
// back with its original JSON type.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

var errInvalidID = errors.New("id must be a number or a string")

// Decode parses one frame. It fails when the line is not a JSON object or
// when the id has a type other than number, string or null.
func Decode(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, err
	}
	if !req.IsNotification() {
		switch req.ID[0] {
		case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		default:
			return nil, errInvalidID
		}
	}
	return &req, nil
}

// IsNotification reports whether the frame carries no id. A null id counts
// as absent.
func (r *Request) IsNotification() bool {
	id := bytes.TrimSpace(r.ID)
	return len(id) == 0 || bytes.Equal(id, []byte("null"))
}

// DecodeParams unmarshals params into v. Missing or null params leave v
// untouched. Any other failure is reported as an invalid params error.
func (r *Request) DecodeParams(v any) error {
	p := bytes.TrimSpace(r.Params)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil
	}
	if p[0] != '{' {
		return NewInvalidParams("params must be an object")
	}
	if err := json.Unmarshal(p, v); err != nil {
		return NewInvalidParams(fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

// Response is an outbound frame. Exactly one of Result and Error is encoded.
type Response struct {
	ID     json.RawMessage
	Result any
	Error  *Error
}

func NewResult(id json.RawMessage, result any) *Response {
	return &Response{ID: id, Result: result}
}

func NewErrorResponse(id json.RawMessage, e *Error) *Response {
	return &Response{ID: id, Error: e}
}

type resultFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type errorFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error"`
}

func (r *Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if r.Error != nil {
		return json.Marshal(errorFrame{JSONRPC: Version, ID: id, Error: r.Error})
	}
	return json.Marshal(resultFrame{JSONRPC: Version, ID: id, Result: r.Result})
}
