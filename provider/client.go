// Package provider talks to the remote streaming avatar provider and
// validates credential tuples against it.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HeaderClientID carries the caller's opaque device identifier.
const HeaderClientID = "X-Client-Id"

const maxResponseBytes = 1 << 20

// AuthScheme selects how the API key is presented.
type AuthScheme int

const (
	// AuthAPIKey sends the key in an X-Api-Key header.
	AuthAPIKey AuthScheme = iota
	// AuthBearer sends the key as a bearer token.
	AuthBearer
)

// Client is an HTTP client for one API key.
type Client struct {
	baseURL    string
	apiKey     string
	clientID   string
	auth       AuthScheme
	http       *http.Client
	limiter    *rate.Limiter
	retries    int
	retryDelay time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption { return func(c *Client) { c.http = hc } }

// WithLimiter paces outbound calls. The limiter may be shared between clients.
func WithLimiter(l *rate.Limiter) ClientOption { return func(c *Client) { c.limiter = l } }

func WithAuthScheme(s AuthScheme) ClientOption { return func(c *Client) { c.auth = s } }

// WithClientID fixes the X-Client-Id header instead of reading it from the
// request context.
func WithClientID(id string) ClientOption { return func(c *Client) { c.clientID = id } }

// WithRetries sets how often idempotent GETs are retried on 5xx or
// transport errors.
func WithRetries(n int, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.retries = n
		c.retryDelay = delay
	}
}

// NewClient returns a client for baseURL authenticated with apiKey.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: 15 * time.Second},
		retries:    1,
		retryDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type clientIDKey struct{}

// ContextWithClientID attaches the caller's device identifier to ctx.
func ContextWithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, id)
}

// ClientIDFromContext returns the identifier set by ContextWithClientID.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
	}
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	status, respBody, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	return decodeResponse(path, status, respBody, out)
}

// do sends one request, retrying GETs only. POSTs are never retried so a
// slow provider cannot end up with two sessions for one click.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (int, []byte, error) {
	retries := 0
	if method == http.MethodGet {
		retries = c.retries
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, unavailable(path, ctx.Err())
			case <-time.After(c.retryDelay):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return 0, nil, unavailable(path, err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return 0, nil, fmt.Errorf("building %s request: %w", path, err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		c.authorize(ctx, req)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, unavailable(path, lastErr)
}

func (c *Client) authorize(ctx context.Context, req *http.Request) {
	switch c.auth {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	default:
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	id := c.clientID
	if id == "" {
		id = ClientIDFromContext(ctx)
	}
	if id != "" {
		req.Header.Set(HeaderClientID, id)
	}
}

func decodeResponse(path string, status int, body []byte, out any) error {
	var env envelope
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &env); err != nil && status < 300 {
			return unavailable(path, fmt.Errorf("decoding response: %w", err))
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%s: %w", path, newAPIError(status, env.Code, env.Message))
	}
	if env.Code == CodeSessionInactive {
		return fmt.Errorf("%s: %w", path, newAPIError(status, env.Code, env.Message))
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return unavailable(path, fmt.Errorf("response has no data"))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return unavailable(path, fmt.Errorf("decoding response data: %w", err))
	}
	return nil
}
