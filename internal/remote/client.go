package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/apperr"
	"github.com/roach88/tillsync/internal/entity"
)

// IdempotencyHeader carries the queue entry's idempotency key. The server
// returns the original outcome for a key it has already seen.
const IdempotencyHeader = "Idempotency-Key"

// DefaultTimeout bounds a single request when no http.Client is supplied.
const DefaultTimeout = 15 * time.Second

// Client is the HTTP implementation of the server contract.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  "tillsync",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Send delivers one mutation.
//
// A 2xx response is decoded as the acknowledgement. A delete answered with
// 404 or 410 is treated as delivered: the row is already gone. Other
// statuses and transport errors are classified into apperr kinds.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	headers := map[string]string{IdempotencyHeader: req.IdempotencyKey}
	var out Response
	status, err := c.doJSON(ctx, req.Method, req.Endpoint, headers, req.Body, &out)
	if err != nil && req.Action == entity.ActionDelete &&
		(status == http.StatusNotFound || status == http.StatusGone) {
		return Response{}, nil
	}
	return out, err
}

// Pull fetches the page of changes to entityType after since. An empty
// since requests a full sync.
func (c *Client) Pull(ctx context.Context, entityType, since string) (Page, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	path := "/sync/" + url.PathEscape(entityType)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page Page
	if _, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &page); err != nil {
		return Page{}, err
	}
	return page, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, headers map[string]string, body []byte, out any) (int, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, apperr.Permanent(0, fmt.Sprintf("build request: %v", err))
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperr.Transient(0, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp.StatusCode, apperr.Transient(resp.StatusCode, fmt.Errorf("read body: %w", readErr))
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(payload)) == 0 {
			return resp.StatusCode, nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return resp.StatusCode, apperr.Transient(resp.StatusCode, fmt.Errorf("decode response: %w", err))
		}
		return resp.StatusCode, nil
	}
	return resp.StatusCode, classify(resp.StatusCode, payload)
}

// classify maps a non-2xx status to an error kind. Client errors are
// permanent except those that signal a transient condition.
func classify(status int, payload []byte) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	msg := errPayload.Message
	if msg == "" {
		msg = errPayload.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(payload))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if errPayload.Code != "" {
		msg = errPayload.Code + ": " + msg
	}

	if Retryable(status) {
		return apperr.Transient(status, errors.New(msg))
	}
	return apperr.Permanent(status, msg)
}

// Retryable reports whether a response status is worth retrying.
func Retryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status < 400 || status >= 500
}
