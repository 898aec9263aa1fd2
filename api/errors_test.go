package api

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := Errorf(CodeNoSuchCollection, "/db/missing", "collection not found")
	if !errors.Is(err, ErrNoSuchCollection) {
		t.Fatalf("expected ErrNoSuchCollection match, got %v", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected every not-found flavour to match ErrNotFound")
	}
	if errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("unexpected permission match")
	}
	if errors.Is(ErrNotFound, ErrNoSuchResource) {
		t.Fatalf("generic not-found must not match the resource flavour")
	}
}

func TestVendorWrapsInfrastructureOnly(t *testing.T) {
	t.Parallel()

	wrapped := Vendor("upload", "/db/a.xml", io.ErrUnexpectedEOF)
	if !errors.Is(wrapped, ErrVendor) {
		t.Fatalf("expected vendor error, got %v", wrapped)
	}
	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Fatalf("vendor error must unwrap to its cause")
	}
	var apiErr *Error
	if !errors.As(wrapped, &apiErr) || apiErr.Path != "/db/a.xml" || apiErr.Op != "upload" {
		t.Fatalf("missing operation context: %+v", apiErr)
	}

	domain := Errorf(CodeLockError, "/db", "timeout")
	if got := Vendor("read", "/db", domain); got != domain {
		t.Fatalf("domain errors must pass through unchanged, got %v", got)
	}
	if Vendor("noop", "", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestErrorMessageCarriesContext(t *testing.T) {
	t.Parallel()

	err := &Error{Code: CodeVendorError, Op: "download", Path: "/db/x.xml", Err: io.EOF}
	msg := err.Error()
	for _, want := range []string{"download", "/db/x.xml", "vendor_error", "EOF"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestCodeOfAndParseCode(t *testing.T) {
	t.Parallel()

	if CodeOf(nil) != "" {
		t.Fatalf("nil has no code")
	}
	if CodeOf(io.EOF) != CodeVendorError {
		t.Fatalf("plain errors classify as vendor")
	}
	if CodeOf(ErrLock) != CodeLockError {
		t.Fatalf("unexpected code")
	}
	if ParseCode("permission_denied") != CodePermissionDenied {
		t.Fatalf("parse code failed")
	}
	if ParseCode("bogus") != CodeVendorError {
		t.Fatalf("unknown codes must map to vendor")
	}
}

func TestCleanPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/db", "/db", true},
		{"/db/a/../b/", "/db/b", true},
		{"a/b", "/db/a/b", true},
		{"/etc/passwd", "", false},
		{"", "", false},
		{"/db/a\\b", "", false},
	}
	for _, tc := range cases {
		got, err := CleanPath(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("CleanPath(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidURI) {
			t.Fatalf("CleanPath(%q) expected invalid uri, got %q, %v", tc.in, got, err)
		}
	}
}

func TestPermissionAllows(t *testing.T) {
	t.Parallel()

	perm := Permission{Owner: "alice", Group: "editors", Mode: 0o750}
	if !perm.Allows("alice", nil, PermRead|PermWrite) {
		t.Fatalf("owner should read/write")
	}
	if !perm.Allows("bob", []string{"editors"}, PermRead) {
		t.Fatalf("group should read")
	}
	if perm.Allows("bob", []string{"editors"}, PermWrite) {
		t.Fatalf("group must not write")
	}
	if perm.Allows("eve", nil, PermRead) {
		t.Fatalf("others must not read")
	}
	if !perm.Allows(DBA, nil, PermWrite) {
		t.Fatalf("dba bypasses checks")
	}
	if got := perm.String(); got != "rwxr-x--- alice editors" {
		t.Fatalf("unexpected string %q", got)
	}
}
