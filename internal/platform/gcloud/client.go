// Package gcloud provides a thin client for the cloud control plane:
// service enablement, service accounts, IAM bindings, function
// deployment, gateway assembly, workload identity federation, and the
// document datastore. Every mutation is written to be safe to repeat,
// which is what makes resumed runs possible.
package gcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	serviceUsageHost    = "https://serviceusage.googleapis.com"
	iamHost             = "https://iam.googleapis.com"
	credentialsHost     = "https://iamcredentials.googleapis.com"
	resourceManagerHost = "https://cloudresourcemanager.googleapis.com"
	functionsHost       = "https://cloudfunctions.googleapis.com"
	gatewayHost         = "https://apigateway.googleapis.com"
	apikeysHost         = "https://apikeys.googleapis.com"
	firestoreHost       = "https://firestore.googleapis.com"
	rulesHost           = "https://firebaserules.googleapis.com"
)

// Client implements ControlPlane against the live API.
type Client struct {
	tokens     oauth2.TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURL routes every API family to one base URL instead of the
// production hosts. Used by tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithRateLimit overrides the default request rate limit.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a control-plane client authenticating with the
// given token source.
func NewClient(tokens oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) url(host, path string) string {
	if c.baseURL != "" {
		return c.baseURL + path
	}
	return host + path
}

// errorBody is the error envelope the control plane wraps failures in.
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("obtain access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope errorBody
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Status:     envelope.Error.Status,
				Message:    envelope.Error.Message,
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("parse response: %w (status %d)", err, resp.StatusCode)
		}
	}
	return nil
}

// Operation is a long-running control-plane operation.
type Operation struct {
	Name  string          `json:"name"`
	Done  bool            `json:"done"`
	Error *OperationError `json:"error,omitempty"`
}

// OperationError is the failure payload of a finished operation.
type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation failed (code %d): %s", e.Code, e.Message)
}

func (c *Client) getOperation(ctx context.Context, host, version, name string) (*Operation, error) {
	var op Operation
	if err := c.do(ctx, http.MethodGet, c.url(host, "/"+version+"/"+name), nil, &op); err != nil {
		return nil, fmt.Errorf("get operation %s: %w", name, err)
	}
	return &op, nil
}
