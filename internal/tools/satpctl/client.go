package satpctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/api/http/operator"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
)

const defaultRequestTimeout = 15 * time.Second

// APIError is a non-2xx response from the operator API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("operator api: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("operator api: %s: %s", e.Code, e.Message)
}

// Client talks to a gateway's operator API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the API rooted at base.
func NewClient(base string, hc *http.Client) (*Client, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api address %q", base)
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{base: base, http: hc}, nil
}

// Initiate starts a transfer and returns its session id.
func (c *Client) Initiate(ctx context.Context, req operator.TransferRequest) (string, error) {
	var resp operator.TransferResponse
	if err := c.do(ctx, http.MethodPost, "/api/transfers", req, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// Status returns one session's status.
func (c *Client) Status(ctx context.Context, id string) (session.Status, error) {
	var st session.Status
	err := c.do(ctx, http.MethodGet, "/api/transfers/"+url.PathEscape(id), nil, &st)
	return st, err
}

// List returns every resident session.
func (c *Client) List(ctx context.Context) ([]session.Status, error) {
	var out []session.Status
	err := c.do(ctx, http.MethodGet, "/api/transfers", nil, &out)
	return out, err
}

// Abort asks the gateway to abort a session.
func (c *Client) Abort(ctx context.Context, id, reason string) (operator.AbortResponse, error) {
	var resp operator.AbortResponse
	err := c.do(ctx, http.MethodPost, "/api/transfers/"+url.PathEscape(id)+"/abort", operator.AbortRequest{Reason: reason}, &resp)
	return resp, err
}

// Audit returns a session's audit log and its verification verdict.
func (c *Client) Audit(ctx context.Context, id string) (operator.AuditResponse, error) {
	var resp operator.AuditResponse
	err := c.do(ctx, http.MethodGet, "/api/transfers/"+url.PathEscape(id)+"/audit", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e operator.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
