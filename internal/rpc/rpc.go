// Package rpc binds the call(method, params) primitive used by remote mode
// to JSON-RPC 2.0 over HTTP POST.
package rpc

import (
	"context"
	"errors"
	"fmt"
)

// Caller is the primitive every remote operation is built on: one ordered
// parameter list in, one value (primitive, byte slice, string slice or
// string-keyed map) out.
type Caller interface {
	Call(ctx context.Context, method string, params ...any) (any, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, method string, params ...any) (any, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, method string, params ...any) (any, error) {
	return f(ctx, method, params...)
}

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeServerError    = -32000
)

// Error is an RPC-level failure returned by the server. Kind carries the
// server's domain classification (an api.Code string) when it has one.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether err says the server has no handler for
// the called method.
func IsMethodNotFound(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound
}

// Errorf builds a server error with the given JSON-RPC code.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
