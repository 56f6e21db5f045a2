// Package authclient talks to the remote authentication authority over HTTP.
// It implements session.Authority with retry, circuit breaking and client-side
// rate limiting, and maps error payloads onto the typed error taxonomy.
package authclient

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

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
	"github.com/Watchdog088/Test-apps-sub002/internal/session"
)

const maxResponseBytes = 1 << 20

// Config holds authority client configuration.
type Config struct {
	// BaseURL is the authority root, e.g. http://localhost:8080
	BaseURL string
	// Timeout bounds a single HTTP attempt
	Timeout time.Duration
	// RequestsPerSecond limits outgoing calls; zero disables limiting
	RequestsPerSecond float64

	Retry          RetryConfig
	CircuitBreaker CircuitBreakerConfig
	HTTPClient     *http.Client
	Logger         *logging.Logger
}

// Client implements session.Authority.
type Client struct {
	baseURL string
	doer    *ResilientDoer
	log     *logging.Logger
}

var _ session.Authority = (*Client)(nil)

// New creates a Client. Zero-valued retry and breaker configs take the defaults.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker = DefaultCircuitBreakerConfig()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		doer:    NewResilientDoer(cfg.HTTPClient, cfg.Retry, NewCircuitBreaker(cfg.CircuitBreaker), limiter),
		log:     cfg.Logger.Named("authclient"),
	}
}

// CircuitState exposes the breaker state for diagnostics.
func (c *Client) CircuitState() CircuitState {
	return c.doer.CircuitState()
}

// =============================================================================
// Authority operations
// =============================================================================

// Login authenticates with credentials. A 401 maps to INVALID_CREDENTIALS.
func (c *Client) Login(ctx context.Context, creds session.Credentials) (*session.Session, error) {
	body, status, err := c.request(ctx, http.MethodPost, "/auth/login", creds, "")
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, svcerrors.InvalidCredentials(errorMessage(body))
	}
	if status >= 400 {
		return nil, parseError(body, status)
	}
	return decodeSession(body)
}

// Register creates an account. Rejections map to VALIDATION_ERROR.
func (c *Client) Register(ctx context.Context, reg session.Registration) (*session.Session, error) {
	body, status, err := c.request(ctx, http.MethodPost, "/auth/register", reg, "")
	if err != nil {
		return nil, err
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return nil, svcerrors.Validation(errorMessage(body)).WithDetails("status", status)
	}
	if status >= 400 {
		return nil, parseError(body, status)
	}
	return decodeSession(body)
}

// Refresh exchanges token for a new one. Any rejection maps to REFRESH_FAILED.
func (c *Client) Refresh(ctx context.Context, token string) (*session.Session, error) {
	body, status, err := c.request(ctx, http.MethodPost, "/auth/refresh", nil, token)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, svcerrors.RefreshFailed(parseError(body, status))
	}

	var resp struct {
		Token string        `json:"token"`
		User  *session.User `json:"user,omitempty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, svcerrors.Protocol("unmarshal refresh response", err)
	}
	if resp.Token == "" {
		return nil, svcerrors.RefreshFailed(svcerrors.Protocol("refresh response carried no token", nil))
	}
	out := &session.Session{Token: resp.Token}
	if resp.User != nil {
		out.User = *resp.User
	}
	return out, nil
}

// Logout revokes token at the authority.
func (c *Client) Logout(ctx context.Context, token string) error {
	body, status, err := c.request(ctx, http.MethodPost, "/auth/logout", nil, token)
	if err != nil {
		return err
	}
	if status >= 400 {
		return parseError(body, status)
	}
	return nil
}

// Validate reports whether token is still accepted. A 401 is a definite
// "no"; other failures are returned as errors.
func (c *Client) Validate(ctx context.Context, token string) (bool, error) {
	body, status, err := c.request(ctx, http.MethodGet, "/auth/validate", nil, token)
	if err != nil {
		return false, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return false, nil
	}
	if status >= 400 {
		return false, parseError(body, status)
	}

	var resp struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, svcerrors.Protocol("unmarshal validate response", err)
	}
	return resp.Valid, nil
}

// =============================================================================
// Transport helpers
// =============================================================================

func (c *Client) request(ctx context.Context, method, path string, payload interface{}, token string) ([]byte, int, error) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
	}

	traceID := logging.GetTraceID(ctx)
	if traceID == "" {
		traceID = logging.NewTraceID()
		ctx = logging.WithTraceID(ctx, traceID)
	}

	start := time.Now()
	resp, err := c.doer.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if raw != nil {
			body = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Trace-ID", traceID)
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	})
	if err != nil {
		c.log.WithContext(ctx).WithError(err).WithField("path", path).Warn("authority request failed")
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, svcerrors.Network(fmt.Errorf("read response: %w", err))
	}

	c.log.WithContext(ctx).WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("authority request")
	return body, resp.StatusCode, nil
}

func decodeSession(body []byte) (*session.Session, error) {
	var sess session.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, svcerrors.Protocol("unmarshal session", err)
	}
	if !sess.Valid() {
		return nil, svcerrors.Protocol("session response missing token or user", nil)
	}
	return &sess, nil
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func errorMessage(body []byte) string {
	var p errorPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return strings.TrimSpace(string(body))
	}
	if p.Message != "" {
		return p.Message
	}
	return p.Error
}

// parseError maps an authority error payload to a ServiceError.
func parseError(body []byte, status int) *svcerrors.ServiceError {
	se := svcerrors.HTTPStatusToError(status, errorMessage(body))
	var p errorPayload
	if err := json.Unmarshal(body, &p); err == nil && p.Code != "" {
		se = se.WithDetails("remote_code", p.Code)
	}
	return se
}
