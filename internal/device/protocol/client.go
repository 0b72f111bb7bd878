// Package protocol implements the HTTP management protocol spoken by
// fleet devices. Devices authenticate with digest challenge-response:
// an unauthenticated request draws a 401 challenge, the client answers
// it exactly once, and a second 401 means the credentials are wrong.
//
// The client is a thin transport. It never retries; callers wrap calls
// in the retry policy with Classify as the classifier.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultPort    = 80
	defaultTimeout = 10 * time.Second
)

// Credentials authenticate against a device's management interface.
type Credentials struct {
	Username string
	Password string
}

// Config holds device client configuration.
type Config struct {
	Host        string
	Port        int
	Credentials Credentials

	// Timeout bounds each request unless the request carries its own.
	// If zero, defaultTimeout is used.
	Timeout time.Duration

	// HTTPClient overrides the transport. If nil, a plain client is
	// used; timeouts come from per-request contexts.
	HTTPClient *http.Client
}

// Request is one call against a device endpoint. Body is a factory,
// not a stream: the authenticated resend after a challenge needs a
// fresh reader because the first one has been consumed.
type Request struct {
	Method      string
	Path        string
	Body        func() io.Reader
	ContentType string
	Timeout     time.Duration
}

// Response is a completed device exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Err returns a *StatusError if the device answered outside 2xx.
func (r *Response) Err() error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}
	return &StatusError{StatusCode: r.StatusCode, Body: string(r.Body)}
}

// JSON decodes the response body.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("parse device response: %w", err)
	}
	return nil
}

// Client talks to one device.
type Client struct {
	base       string
	creds      Credentials
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a device client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("config host cannot be empty")
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		base:       "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		creds:      cfg.Credentials,
		httpClient: httpClient,
		timeout:    timeout,
	}, nil
}

// Do performs one request with the challenge-response flow: send
// unauthenticated, answer a digest challenge once, and treat a second
// 401 as bad credentials.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.send(ctx, req, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	ch, err := parseChallenge(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}

	// Every exchange answers a fresh challenge, so the nonce count
	// starts over at 1.
	auth := ch.authorize(c.creds, req.Method, req.Path, newCnonce(), 1)
	resp, err = c.send(ctx, req, auth)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, ErrBadCredentials)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req Request, authorization string) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = req.Body()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.base+req.Path, body)
	if err != nil {
		return nil, err
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if authorization != "" {
		httpReq.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read device response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Get fetches a device endpoint.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path})
}

// PostJSON posts a JSON payload to a device endpoint.
func (c *Client) PostJSON(ctx context.Context, path string, payload any) (*Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal device request: %w", err)
	}
	return c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        func() io.Reader { return bytes.NewReader(raw) },
		ContentType: "application/json",
	})
}

// Upload pushes a binary payload to a device endpoint. The payload is
// held in memory so the authenticated resend can replay it.
func (c *Client) Upload(ctx context.Context, path string, data []byte, timeout time.Duration) (*Response, error) {
	return c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        func() io.Reader { return bytes.NewReader(data) },
		ContentType: "application/octet-stream",
		Timeout:     timeout,
	})
}

// Fingerprint reports whether the host answers like a fleet device:
// either a digest challenge on the management endpoint or an open
// management interface. Any HTTP answer without a digest challenge is
// ErrNotDevice; transport errors pass through for classification.
func Fingerprint(ctx context.Context, host string, port int, timeout time.Duration) error {
	client, err := NewClient(&Config{Host: host, Port: port, Timeout: timeout})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.send(ctx, Request{Method: http.MethodGet, Path: "/api/properties"}, "")
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if _, err := parseChallenge(resp.Header.Get("WWW-Authenticate")); err != nil {
			return fmt.Errorf("%s: %w", host, ErrNotDevice)
		}
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Unsecured device, accepted with the credentials step skipped.
		return nil
	default:
		return fmt.Errorf("%s: %w", host, ErrNotDevice)
	}
}
