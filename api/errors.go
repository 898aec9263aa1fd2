package api

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies failures surfaced by both access modes.
type Code string

const (
	// CodeNotFound reports a missing collection or resource.
	CodeNotFound Code = "not_found"
	// CodeNoSuchCollection is the collection-flavoured not-found code callers
	// may select when opening a collection.
	CodeNoSuchCollection Code = "no_such_collection"
	// CodeNoSuchResource is the resource-flavoured not-found code.
	CodeNoSuchResource Code = "no_such_resource"
	// CodePermissionDenied reports an authorization failure.
	CodePermissionDenied Code = "permission_denied"
	// CodeInvalidURI reports a malformed collection or resource path.
	CodeInvalidURI Code = "invalid_uri"
	// CodeLockError reports a lock acquisition failure or timeout.
	CodeLockError Code = "lock_error"
	// CodeUnsupportedContent reports a content reference of unknown shape.
	CodeUnsupportedContent Code = "unsupported_content"
	// CodeInvalidResource reports an unknown resource type or unreadable source.
	CodeInvalidResource Code = "invalid_resource"
	// CodeNoSuchService reports an unknown capability kind.
	CodeNoSuchService Code = "no_such_service"
	// CodeVendorError wraps IO, RPC, compression and infrastructure failures.
	CodeVendorError Code = "vendor_error"
)

// notFoundCodes all satisfy errors.Is(err, ErrNotFound).
var notFoundCodes = map[Code]struct{}{
	CodeNotFound:         {},
	CodeNoSuchCollection: {},
	CodeNoSuchResource:   {},
}

// Error is the transport-neutral failure returned by every facade operation.
type Error struct {
	Code   Code
	Op     string
	Path   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("xmldb")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " %q", e.Path)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Code))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by code. Every not-found flavour matches
// ErrNotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Path != "" || t.Err != nil {
		return false
	}
	if e.Code == t.Code {
		return true
	}
	if t.Code == CodeNotFound {
		_, ok := notFoundCodes[e.Code]
		return ok
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrNoSuchCollection   = &Error{Code: CodeNoSuchCollection}
	ErrNoSuchResource     = &Error{Code: CodeNoSuchResource}
	ErrPermissionDenied   = &Error{Code: CodePermissionDenied}
	ErrInvalidURI         = &Error{Code: CodeInvalidURI}
	ErrLock               = &Error{Code: CodeLockError}
	ErrUnsupportedContent = &Error{Code: CodeUnsupportedContent}
	ErrInvalidResource    = &Error{Code: CodeInvalidResource}
	ErrNoSuchService      = &Error{Code: CodeNoSuchService}
	ErrVendor             = &Error{Code: CodeVendorError}
)

// Errorf builds a domain error with a formatted detail.
func Errorf(code Code, path, format string, args ...any) *Error {
	return &Error{Code: code, Path: path, Detail: fmt.Sprintf(format, args...)}
}

// Vendor wraps an infrastructure failure. Domain errors pass through
// unchanged so callers always see the original classification.
func Vendor(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) {
		return err
	}
	return &Error{Code: CodeVendorError, Op: op, Path: path, Err: err}
}

// IsDomain reports whether err already carries an api.Error classification.
func IsDomain(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr)
}

// CodeOf returns the api code carried by err, or CodeVendorError for any
// unclassified non-nil error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeVendorError
}

// ParseCode maps a wire code string back to a Code. Unknown strings yield
// CodeVendorError.
func ParseCode(s string) Code {
	switch c := Code(strings.TrimSpace(s)); c {
	case CodeNotFound, CodeNoSuchCollection, CodeNoSuchResource, CodePermissionDenied,
		CodeInvalidURI, CodeLockError, CodeUnsupportedContent, CodeInvalidResource,
		CodeNoSuchService, CodeVendorError:
		return c
	default:
		return CodeVendorError
	}
}
