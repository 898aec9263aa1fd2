// Package correlation carries a per-call identifier from an RPC client,
// across the wire, into the server's logs.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// Header is the HTTP header the identifier travels in.
	Header = "X-Correlation-Id"
	// LogKey is the structured log key for the identifier.
	LogKey = "cid"
	// MaxIDLength bounds accepted identifiers.
	MaxIDLength = 128
)

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the identifier on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx with an identifier, generating one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return With(ctx, id), id
}

// FromRequest adopts the caller's identifier, or generates one, and
// returns the request context carrying it.
func FromRequest(r *http.Request) (context.Context, string) {
	ctx := r.Context()
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return With(ctx, id), id
	}
	return Ensure(ctx)
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new time-ordered identifier.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
