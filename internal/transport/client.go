package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 15 * time.Second

var (
	errMissingBaseURL = errors.New("base url is required")
	noOpLogger        = zap.NewNop()
)

// APIError surfaces a backend failure with its HTTP status, machine-readable
// code, and human-readable message.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transport: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("transport: %s (%d)", e.Code, e.Status)
}

// Retryable reports whether the failure is transient from the client's point
// of view: server-side errors and throttling can be retried, client errors
// cannot.
func (e *APIError) Retryable() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// IsRetryable reports whether err represents a transient failure: a retryable
// APIError, a timeout, or a network-level error.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ClientConfig configures the JSON transport client.
type ClientConfig struct {
	BaseURL      string
	SessionToken string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client issues JSON requests against the backend, attaching the session
// bearer token and decoding error envelopes into typed errors.
type Client struct {
	baseURL      string
	sessionToken string
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		baseURL:      baseURL,
		sessionToken: strings.TrimSpace(cfg.SessionToken),
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// Get issues a GET request with the supplied query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, target, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, c.baseURL+path, encoded)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, c.baseURL+path, nil)
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.sessionToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.sessionToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("request failed", zap.String("method", method), zap.String("url", target), zap.Error(err))
		return nil, err
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		envelope := errorEnvelope{}
		if decodeErr := json.Unmarshal(payload, &envelope); decodeErr != nil || envelope.Error == "" {
			envelope.Error = "unexpected_status"
		}
		apiErr := &APIError{
			Status:  response.StatusCode,
			Code:    envelope.Error,
			Message: envelope.Message,
		}
		c.logger.Debug("request rejected",
			zap.String("method", method),
			zap.String("url", target),
			zap.Int("status", response.StatusCode),
			zap.String("code", apiErr.Code))
		return nil, apiErr
	}

	return json.RawMessage(payload), nil
}
