package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"pkt.systems/pslog"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/correlation"
	"pkt.systems/xmldb/internal/svcfields"
)

// maxRequestBytes caps a decoded request body. Upload chunks are at most a
// few tens of MiB once base64 encoded.
const maxRequestBytes = 256 << 20

// Dispatcher executes one authenticated call.
type Dispatcher interface {
	Dispatch(ctx context.Context, user, method string, params []any) (any, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, user, method string, params []any) (any, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, user, method string, params []any) (any, error) {
	return f(ctx, user, method, params)
}

// Authenticator validates basic-auth credentials.
type Authenticator func(user, password string) bool

// Handler serves JSON-RPC calls over HTTP POST.
type Handler struct {
	dispatcher Dispatcher
	auth       Authenticator
	logger     pslog.Logger
}

// NewHandler wires dispatcher behind basic-auth. A nil auth accepts every
// request and dispatches as the supplied user name.
func NewHandler(dispatcher Dispatcher, auth Authenticator, logger pslog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		auth:       auth,
		logger:     svcfields.WithSubsystem(logger, "rpc.server"),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, password, _ := r.BasicAuth()
	if h.auth != nil && !h.auth(user, password) {
		w.Header().Set("WWW-Authenticate", `Basic realm="xmldb"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body io.Reader = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			h.write(w, r, response{JSONRPC: "2.0", Error: Errorf(CodeParseError, "gzip: %v", err)})
			return
		}
		defer gz.Close()
		body = gz
	}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	var req request
	if err := dec.Decode(&req); err != nil {
		h.write(w, r, response{JSONRPC: "2.0", Error: Errorf(CodeParseError, "decode: %v", err)})
		return
	}
	if req.Method == "" {
		h.write(w, r, response{JSONRPC: "2.0", ID: req.ID, Error: Errorf(CodeInvalidRequest, "missing method")})
		return
	}

	ctx, cid := correlation.FromRequest(r)
	w.Header().Set(correlation.Header, cid)
	result, err := h.dispatcher.Dispatch(ctx, user, req.Method, req.Params)
	resp := response{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = toError(err)
		h.logger.Debug("rpc.dispatch.error", svcfields.MethodKey, req.Method, svcfields.UserKey, user, correlation.LogKey, cid, "code", resp.Error.Code, "kind", resp.Error.Kind, "error", err)
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = Errorf(CodeInternal, "encode result: %v", err)
		} else {
			resp.Result = raw
		}
	}
	h.write(w, r, resp)
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, resp response) {
	w.Header().Set("Content-Type", "application/json")
	var out io.Writer = w
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		out = gz
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(out).Encode(resp); err != nil {
		h.logger.Warn("rpc.write.error", "error", err)
	}
}

// toError converts a dispatch failure into its wire form. Domain errors keep
// their classification in Kind.
func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return &Error{Code: CodeServerError, Message: err.Error(), Kind: string(apiErr.Code)}
	}
	return &Error{Code: CodeServerError, Message: err.Error(), Kind: string(api.CodeVendorError)}
}
