package xmldb

import (
	"net/url"
	"strconv"
	"strings"

	"pkt.systems/xmldb/api"
)

// URIPrefix starts every database URI.
const URIPrefix = "xmldb:exist://"

// URI is a parsed database URI.
//
//	xmldb:exist:///db/path                          local
//	xmldb:exist://host:port/exist/xmlrpc/db/path    remote
//
// A remote URI may carry ?ssl=true to reach the endpoint over https.
type URI struct {
	// Host is empty for local URIs.
	Host string
	// Context is the HTTP path of the RPC endpoint, e.g. /exist/xmlrpc.
	Context string
	// Path is the collection path, rooted at /db.
	Path string
	// TLS selects https for the remote endpoint.
	TLS bool
}

// ParseURI parses raw. Malformed URIs fail with invalid-uri.
func ParseURI(raw string) (URI, error) {
	if !strings.HasPrefix(raw, URIPrefix) {
		return URI{}, api.Errorf(api.CodeInvalidURI, raw, "uri must start with %s", URIPrefix)
	}
	u, err := url.Parse("exist://" + strings.TrimPrefix(raw, URIPrefix))
	if err != nil {
		return URI{}, &api.Error{Code: api.CodeInvalidURI, Op: "parse_uri", Path: raw, Err: err}
	}
	out := URI{Host: u.Host}
	path := u.Path
	if out.Host != "" {
		idx := dbSegment(path)
		if idx < 0 {
			return URI{}, api.Errorf(api.CodeInvalidURI, raw, "remote uri has no %s segment", api.RootCollection)
		}
		out.Context, path = path[:idx], path[idx:]
		if out.Context == "" {
			return URI{}, api.Errorf(api.CodeInvalidURI, raw, "remote uri has no endpoint path")
		}
		if v := u.Query().Get("ssl"); v != "" {
			if out.TLS, err = strconv.ParseBool(v); err != nil {
				return URI{}, api.Errorf(api.CodeInvalidURI, raw, "ssl=%q is not a boolean", v)
			}
		}
	}
	if path == "" {
		path = api.RootCollection
	}
	if out.Path, err = api.CleanPath(path); err != nil {
		return URI{}, err
	}
	return out, nil
}

// dbSegment returns the index of the /db path segment, or -1.
func dbSegment(path string) int {
	for i := 0; i < len(path); {
		idx := strings.Index(path[i:], api.RootCollection)
		if idx < 0 {
			return -1
		}
		idx += i
		end := idx + len(api.RootCollection)
		if end == len(path) || path[end] == '/' {
			return idx
		}
		i = end
	}
	return -1
}

// IsLocal reports whether the URI addresses the embedded engine.
func (u URI) IsLocal() bool { return u.Host == "" }

// Endpoint returns the RPC endpoint URL of a remote URI.
func (u URI) Endpoint() string {
	if u.IsLocal() {
		return ""
	}
	scheme := "http"
	if u.TLS {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: u.Context}).String()
}

func (u URI) String() string {
	s := URIPrefix + u.Host + u.Context + u.Path
	if u.TLS {
		s += "?ssl=true"
	}
	return s
}
