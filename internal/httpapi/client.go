package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/converge/internal/types"
)

// Dialer returns request/response clients for an HTTP endpoint. It
// satisfies types.UnaryDialer.
type Dialer struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
}

// DialUnary checks /health and returns a client when the service answers.
func (d *Dialer) DialUnary(ctx context.Context) (types.Unary, error) {
	c := NewClient(d.BaseURL, d.AuthToken, d.HTTPClient)
	if err := c.Health(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Client calls the context API over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil)
}

func (c *Client) Append(ctx context.Context, contextID types.ContextID, entry *types.ContextEntry) (*types.ContextEntry, error) {
	var out types.ContextEntry
	if err := c.do(ctx, "append", http.MethodPost, entriesPath(contextID), entry, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, contextID types.ContextID, opts types.GetOptions) ([]*types.ContextEntry, error) {
	q := url.Values{}
	if opts.CorrelationID != "" {
		q.Set("correlation_id", string(opts.CorrelationID))
	}
	if opts.AfterSequence > 0 {
		q.Set("after", strconv.FormatInt(opts.AfterSequence, 10))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := entriesPath(contextID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []*types.ContextEntry
	if err := c.do(ctx, "get", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Snapshot(ctx context.Context, contextID types.ContextID) (*types.ContextSnapshot, error) {
	var out types.ContextSnapshot
	if err := c.do(ctx, "snapshot", http.MethodGet, contextPath(contextID)+"/snapshot", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Load(ctx context.Context, contextID types.ContextID, req types.LoadRequest) (int64, error) {
	var out loadResponse
	if err := c.do(ctx, "load", http.MethodPost, contextPath(contextID)+"/load", req, &out); err != nil {
		return 0, err
	}
	return out.Sequence, nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func contextPath(id types.ContextID) string {
	return "/api/contexts/" + url.PathEscape(string(id))
}

func entriesPath(id types.ContextID) string {
	return contextPath(id) + "/entries"
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return &types.RemoteError{Op: op, Code: types.CodeUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(op, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &types.RemoteError{Op: op, Code: types.CodeInternal, Message: "decode response: " + err.Error()}
	}
	return nil
}

func decodeError(op string, resp *http.Response) error {
	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		body.Code = statusCode(resp.StatusCode)
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}
	return &types.RemoteError{Op: op, Code: body.Code, Message: body.Error}
}

func statusCode(status int) types.ErrorCode {
	for code, s := range codeStatus {
		if s == status {
			return code
		}
	}
	if status >= 500 {
		return types.CodeUnavailable
	}
	return types.CodeInvalidArgument
}
