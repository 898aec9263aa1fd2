package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"pkt.systems/pslog"

	"pkt.systems/xmldb/internal/correlation"
	"pkt.systems/xmldb/internal/svcfields"
)

// DefaultTimeout bounds one HTTP round trip when no client is supplied.
const DefaultTimeout = 5 * time.Minute

// Client calls a JSON-RPC endpoint over HTTP. Request and response bodies
// are gzip-compressed and every request carries basic-auth credentials.
type Client struct {
	endpoint   string
	user       string
	password   string
	httpClient *http.Client
	gzip       bool
	logger     pslog.Logger
	nextID     atomic.Uint64
	closed     atomic.Bool
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = svcfields.Ensure(logger)
	}
}

// WithGzip toggles gzip request/response compression (on by default).
func WithGzip(enabled bool) Option {
	return func(c *Client) {
		c.gzip = enabled
	}
}

// NewClient returns a client for endpoint authenticating as user.
func NewClient(endpoint, user, password string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("rpc: endpoint %q must be an http(s) URL", endpoint)
	}
	c := &Client{
		endpoint:   endpoint,
		user:       user,
		password:   password,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		gzip:       true,
		logger:     pslog.NoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = svcfields.WithSubsystem(c.logger, "rpc.client")
	return c, nil
}

// Endpoint returns the URL the client posts to.
func (c *Client) Endpoint() string { return c.endpoint }

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Call implements Caller.
func (c *Client) Call(ctx context.Context, method string, params ...any) (any, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("rpc: client for %s is closed", c.endpoint)
	}
	if params == nil {
		params = []any{}
	}
	req := request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	body, err := c.encode(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %s: %w", method, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	_, cid := correlation.Ensure(ctx)
	httpReq.Header.Set(correlation.Header, cid)
	if c.gzip {
		httpReq.Header.Set("Content-Encoding", "gzip")
		// Setting Accept-Encoding ourselves disables the transport's
		// transparent decompression, so the body is decoded below.
		httpReq.Header.Set("Accept-Encoding", "gzip")
	}
	if c.user != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}
	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	var reader io.Reader = httpResp.Body
	if strings.EqualFold(httpResp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(httpResp.Body)
		if err != nil {
			return nil, fmt.Errorf("rpc: %s: gzip response: %w", method, err)
		}
		defer gz.Close()
		reader = gz
	}
	if httpResp.StatusCode == http.StatusUnauthorized {
		return nil, &Error{Code: CodeServerError, Message: "unauthorized", Kind: "permission_denied"}
	}
	if httpResp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(reader, 512))
		return nil, fmt.Errorf("rpc: %s: http status %d: %s", method, httpResp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	dec := json.NewDecoder(reader)
	dec.UseNumber()
	var resp response
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("rpc: %s: decode response: %w", method, err)
	}
	c.logger.Trace("rpc.call", svcfields.MethodKey, method, "id", req.ID, correlation.LogKey, cid, "elapsed", time.Since(start))
	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	var result any
	rdec := json.NewDecoder(bytes.NewReader(resp.Result))
	rdec.UseNumber()
	if err := rdec.Decode(&result); err != nil {
		return nil, fmt.Errorf("rpc: %s: decode result: %w", method, err)
	}
	return result, nil
}

func (c *Client) encode(req request) ([]byte, error) {
	var buf bytes.Buffer
	if !c.gzip {
		if err := json.NewEncoder(&buf).Encode(req); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(req); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close invalidates the client and drops idle connections. Closing twice is
// a no-op.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
