package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"crmsync/internal/config"
	"crmsync/internal/metrics"
	"crmsync/internal/ratelimit"
	"crmsync/internal/schema"
)

var ErrNotFound = errors.New("crm: not found")

// APIError is an error reported inside the response envelope.
type APIError struct {
	Method      string
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm %s: status=%d %s: %s", e.Method, e.Status, e.Code, e.Description)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && (e.Status == http.StatusNotFound || e.Code == "NOT_FOUND")
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Next             *int            `json:"next"`
	Total            *int            `json:"total"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// Client talks to the CRM REST API. Calls are sequential and paced by the
// rate limiter. Reads and updates are retried on transport errors, 429/5xx
// and QUERY_LIMIT_EXCEEDED; creates only when the platform refused them
// before running them.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *ratelimit.RateLimiter
	schema      *schema.Schema
	logger      *zap.Logger
	timeout     time.Duration
	maxAttempts int
	backoff     func(attempt int) time.Duration
}

// NewClient builds a client for the webhook URL when set, otherwise for the
// OAuth2 application identified by the refresh token.
func NewClient(ctx context.Context, cfg config.Config, s *schema.Schema, logger *zap.Logger) (*Client, error) {
	if err := cfg.RequireCRM(); err != nil {
		return nil, err
	}

	base := &http.Client{Timeout: cfg.CRMTimeout}
	c := &Client{
		baseURL:     strings.TrimRight(cfg.CRMWebhookURL, "/") + "/",
		httpClient:  base,
		limiter:     ratelimit.NewRateLimiter(cfg.CRMRateLimitRPS),
		schema:      s,
		logger:      logger.Named("crm"),
		timeout:     cfg.CRMTimeout,
		maxAttempts: cfg.CRMMaxRetries,
		backoff:     jitteredBackoff,
	}

	if strings.TrimSpace(cfg.CRMWebhookURL) == "" {
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.CRMClientID,
			ClientSecret: cfg.CRMClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.CRMTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, base)
		tokenSource := oauthCfg.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: cfg.CRMRefreshToken})
		c.baseURL = strings.TrimRight(cfg.CRMBaseURL, "/") + "/"
		c.httpClient = oauth2.NewClient(tokenCtx, tokenSource)
		c.httpClient.Timeout = cfg.CRMTimeout
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	c.logger.Debug("crm client ready", zap.String("base_url", c.baseURL),
		zap.Duration("min_interval", c.limiter.Interval()), zap.Int("max_attempts", c.maxAttempts))

	return c, nil
}

// Schema returns the field templates the client was built with.
func (c *Client) Schema() *schema.Schema { return c.schema }

// call posts params to method and returns the envelope.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (*envelope, error) {
	blob, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	endpoint := c.baseURL + method + ".json"
	repeatable := isRepeatable(method)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.WaitTurn(ctx); err != nil {
			return nil, err
		}

		env, status, err := c.do(ctx, endpoint, blob)
		if err == nil && env.Error == "" && status >= 200 && status < 300 {
			metrics.CRMCallsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
			return env, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.CRMCallsTotal.WithLabelValues(method, "transport").Inc()
			if !repeatable {
				// the request may have been executed
				return nil, fmt.Errorf("crm %s: %w", method, err)
			}
			lastErr = err
		} else {
			metrics.CRMCallsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
			apiErr := &APIError{Method: method, Status: status, Code: env.Error, Description: env.ErrorDescription}
			if apiErr.Code == "" {
				apiErr.Code = http.StatusText(status)
			}
			if !isRetryable(status, env.Error) || (!repeatable && !isThrottled(status, env.Error)) {
				return nil, apiErr
			}
			lastErr = apiErr
		}

		if attempt < c.maxAttempts {
			c.logger.Warn("retrying crm call", zap.String("method", method), zap.Int("attempt", attempt), zap.Error(lastErr))
			if err := ratelimit.Sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("crm request failed")
	}
	return nil, fmt.Errorf("crm %s: %w", method, lastErr)
}

func (c *Client) do(ctx context.Context, endpoint string, blob []byte) (*envelope, int, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(blob))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, 0, err
	}

	env := &envelope{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, env); err != nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
			env.ErrorDescription = string(body)
		}
	}
	return env, resp.StatusCode, nil
}

func isRetryable(status int, code string) bool {
	if code == "QUERY_LIMIT_EXCEEDED" || code == "INTERNAL_SERVER_ERROR" {
		return true
	}
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// isThrottled reports a request the platform refused without executing it.
func isThrottled(status int, code string) bool {
	return status == http.StatusTooManyRequests || code == "QUERY_LIMIT_EXCEEDED"
}

// isRepeatable reports whether method can be sent again after a failure that
// leaves its outcome unknown. Creates are not: a slow success would be
// duplicated.
func isRepeatable(method string) bool {
	return method != "batch" && !strings.HasSuffix(method, ".add")
}

func jitteredBackoff(attempt int) time.Duration {
	return time.Duration(250*(1<<(attempt-1))+rand.Intn(100)) * time.Millisecond
}
