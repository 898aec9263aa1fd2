package api

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// RootCollection is the path of the database root.
const RootCollection = "/db"

// ResourceType distinguishes XML documents from binary blobs.
type ResourceType string

const (
	// XMLResource is a parsed XML document.
	XMLResource ResourceType = "XMLResource"
	// BinaryResource is an opaque byte blob.
	BinaryResource ResourceType = "BinaryResource"
)

// ParseResourceType accepts the wire spelling of a resource type. An empty
// string is treated as XML, matching servers that omit the field.
func ParseResourceType(s string) (ResourceType, error) {
	switch strings.TrimSpace(s) {
	case "", string(XMLResource):
		return XMLResource, nil
	case string(BinaryResource):
		return BinaryResource, nil
	default:
		return "", Errorf(CodeInvalidResource, "", "unknown resource type %q", s)
	}
}

// DefaultMimeType returns the mime type used when a resource carries none.
func (t ResourceType) DefaultMimeType() string {
	if t == BinaryResource {
		return "application/octet-stream"
	}
	return "application/xml"
}

// Permission bits, unix style.
const (
	PermRead  = 4
	PermWrite = 2
	PermExec  = 1
)

// DBA is the built-in administrator account that bypasses permission checks.
const DBA = "admin"

// Permission is the owner/group/mode triple attached to collections and
// resources.
type Permission struct {
	Owner string `json:"owner"`
	Group string `json:"group"`
	Mode  uint32 `json:"permissions"`
}

// Allows reports whether user (member of groups) holds every bit in want.
func (p Permission) Allows(user string, groups []string, want uint32) bool {
	if user == DBA {
		return true
	}
	var granted uint32
	switch {
	case user == p.Owner:
		granted = (p.Mode >> 6) & 7
	case containsString(groups, p.Group):
		granted = (p.Mode >> 3) & 7
	default:
		granted = p.Mode & 7
	}
	return granted&want == want
}

func (p Permission) String() string {
	const rwx = "rwxrwxrwx"
	buf := []byte("---------")
	for i := 0; i < 9; i++ {
		if p.Mode&(1<<uint(8-i)) != 0 {
			buf[i] = rwx[i]
		}
	}
	return fmt.Sprintf("%s %s %s", buf, p.Owner, p.Group)
}

// ParseMode reads an octal mode such as "0644" or "755".
func ParseMode(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 8, 32)
	if err != nil || v > 0o777 {
		return 0, Errorf(CodeInvalidResource, "", "invalid mode %q", s)
	}
	return uint32(v), nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ResourceInfo describes a stored resource without its content.
type ResourceInfo struct {
	Name          string
	Path          string
	Type          ResourceType
	MimeType      string
	ContentLength int64
	Permission    Permission
	Created       time.Time
	Modified      time.Time
	LockOwner     string
}

// Properties are the string output/serialization options attached to a
// collection, e.g. compress-output.
type Properties map[string]string

// Well-known property keys.
const (
	PropCompressOutput     = "compress-output"
	PropInMemoryBufferSize = "in-memory-buffer-size"
	PropEncoding           = "encoding"
	PropIndent             = "indent"
)

// Get returns the value of key or def when unset.
func (p Properties) Get(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Compressed reports whether compress-output=yes.
func (p Properties) Compressed() bool {
	return strings.EqualFold(p.Get(PropCompressOutput, "no"), "yes")
}

// InMemoryBufferSize returns the spool threshold configured on p, or def.
func (p Properties) InMemoryBufferSize(def int64) int64 {
	raw := strings.TrimSpace(p.Get(PropInMemoryBufferSize, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// CleanPath normalizes a collection or resource path to an absolute,
// slash-separated form rooted at /db. Relative paths are resolved against
// the root collection.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", Errorf(CodeInvalidURI, p, "empty path")
	}
	if strings.ContainsAny(p, "\x00\\") {
		return "", Errorf(CodeInvalidURI, p, "illegal character in path")
	}
	if !strings.HasPrefix(p, "/") {
		p = RootCollection + "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned != RootCollection && !strings.HasPrefix(cleaned, RootCollection+"/") {
		return "", Errorf(CodeInvalidURI, p, "path outside %s", RootCollection)
	}
	return cleaned, nil
}

// ValidName checks a single path segment used as a resource or child
// collection name.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00\\") {
		return Errorf(CodeInvalidURI, name, "invalid name")
	}
	return nil
}

// Join appends name to the collection path col.
func Join(col, name string) string {
	return path.Join(col, name)
}

// Split returns the parent collection path and last segment of p.
func Split(p string) (string, string) {
	dir, name := path.Split(p)
	return strings.TrimSuffix(dir, "/"), name
}
