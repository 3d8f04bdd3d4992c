// Package identity provides the HTTP client for the remote identity service.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/student-mobility/session-agent/internal/circuitbreaker"
	"github.com/student-mobility/session-agent/internal/config"
	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/logging"
)

const (
	// DefaultTimeout applies to every call when Config.Timeout is zero
	DefaultTimeout = 30 * time.Second

	// maxBodyBytes caps how much of a response body is read
	maxBodyBytes = 4 << 20
)

// Config configures a Client
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// HTTPClient overrides the transport; its Timeout is replaced by Timeout
	HTTPClient *http.Client
	Breaker    *circuitbreaker.CircuitBreaker
	Logger     *logging.Logger
}

// Client talks to the remote identity service. It never retries and never
// mutates session state: a 401 on an authenticated call is returned as a
// SessionExpired error for the caller to act on.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *logging.Logger
}

// NewClient creates an identity service client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		httpClient = &c
	}
	httpClient.Timeout = timeout

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	logger := logging.OrGlobal(cfg.Logger).Named("identity_client")

	breaker := cfg.Breaker
	if breaker == nil {
		bc := circuitbreaker.DefaultConfig("identity")
		bc.IsFailure = countsAgainstUpstream
		bc.Logger = logger
		breaker = circuitbreaker.NewCircuitBreaker(bc)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		logger:  logger,
	}
}

// NewClientFromConfig creates a client from the loaded agent configuration
func NewClientFromConfig(cfg *config.IdentityConfig, logger *logging.Logger) *Client {
	return NewClient(Config{
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Logger:            logger,
	})
}

// BreakerState exposes the circuit state for health reporting
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

// BreakerStats reports the circuit counters for the health endpoint
func (c *Client) BreakerStats() circuitbreaker.Stats {
	return c.breaker.GetStats()
}

// countsAgainstUpstream trips the breaker on transport failures and 5xx only
func countsAgainstUpstream(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	catErr := apperrors.Categorize(err)
	if catErr == nil {
		return false
	}
	switch catErr.Code {
	case apperrors.CodeNetwork:
		return true
	case apperrors.CodeRequestFailed:
		status, _ := catErr.Details["upstreamStatus"].(int)
		return status >= 500
	default:
		return false
	}
}

// request describes one call to the identity service
type request struct {
	op          string
	method      string
	path        string
	token       string
	body        io.Reader
	contentType string
}

// response is a completed non-5xx exchange
type response struct {
	status int
	body   []byte
}

func jsonBody(v interface{}) (io.Reader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(raw), nil
}

// do executes req and returns the response for any status below 500.
// Transport failures and 5xx come back as categorized errors.
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	requestID := uuid.New().String()
	logger := c.logger.WithFields(map[string]interface{}{
		"operation": req.op,
		"requestId": requestID,
	})

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewNetworkError(req.op, err)
	}

	var resp *response
	start := time.Now()
	err := c.breaker.Execute(ctx, func() error {
		r, err := c.send(ctx, req, requestID)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if stderrors.Is(err, circuitbreaker.ErrCircuitOpen) || stderrors.Is(err, circuitbreaker.ErrTooManyRequests) {
		logger.Warn("Identity service circuit open, failing fast")
		return nil, apperrors.NewNetworkError(req.op, err)
	}
	if err != nil {
		if _, ok := err.(*apperrors.CategorizedError); !ok {
			err = apperrors.NewNetworkError(req.op, err)
		}
		logger.WithError(err).WithField("duration", time.Since(start).String()).Warn("Identity request failed")
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"status":   resp.status,
		"duration": time.Since(start).String(),
	}).Debug("Identity request completed")
	return resp, nil
}

func (c *Client) send(ctx context.Context, req request, requestID string) (*response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, req.body)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewNetworkError(req.op, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.NewNetworkError(req.op, err)
	}

	if httpResp.StatusCode >= 500 {
		return nil, apperrors.NewRequestFailedError(req.op, httpResp.StatusCode, serverMessage(req.op, httpResp.StatusCode, body))
	}
	return &response{status: httpResp.StatusCode, body: body}, nil
}

// check maps a non-2xx response to an error. A 401 on a bearer call is a
// session expiry; anywhere else it is an ordinary failure.
func (c *Client) check(req request, resp *response) error {
	if resp.status >= 200 && resp.status < 300 {
		return nil
	}
	if resp.status == http.StatusUnauthorized && req.token != "" {
		return apperrors.NewSessionExpiredError()
	}
	return apperrors.NewRequestFailedError(req.op, resp.status, serverMessage(req.op, resp.status, resp.body))
}

// serverMessage picks the human readable text from an error body:
// message, then detail, then error, else a generic fallback.
func serverMessage(op string, status int, body []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"message", "detail", "error"} {
			if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("%s failed (status %d)", op, status)
}

// decode strictly unmarshals a 2xx body into out
func decode(op string, body []byte, out interface{}) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return apperrors.NewInvalidResponseError(op, "empty body")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.NewInvalidResponseError(op, "malformed JSON")
	}
	return nil
}
