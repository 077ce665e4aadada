package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"crmsync/internal"
	"crmsync/internal/config"
	"crmsync/internal/ratelimit"
)

const maxAttempts = 5

// Client reads the point-of-sale tables. Every table is a single GET returning
// the whole table.
type Client struct {
	cfg        config.Config
	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	logger     *zap.Logger
	backoff    func(attempt int) time.Duration
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func NewClient(cfg config.Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.SourceTimeout},
		limiter:    ratelimit.NewRateLimiter(cfg.SourceRateLimitRPS),
		logger:     logger.Named("source"),
		backoff:    jitteredBackoff,
	}
}

func (c *Client) FetchTable(ctx context.Context, table string) ([]internal.SourceRecord, error) {
	body, err := c.fetch(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	records, err := decodeRecords(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", table, err)
	}
	c.logger.Debug("table fetched", zap.String("table", table), zap.Int("records", len(records)))
	return records, nil
}

func (c *Client) fetch(ctx context.Context, table string) ([]byte, error) {
	if strings.TrimSpace(c.cfg.SourceBaseURL) == "" {
		return nil, errors.New("missing SOURCE_BASE_URL")
	}

	baseURL := strings.TrimRight(c.cfg.SourceBaseURL, "/") + "/"
	u, err := url.Parse(baseURL + table)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.WaitTurn(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.cfg.SourceLogin, c.cfg.SourcePassword)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if err := c.pause(ctx, table, attempt, err); err != nil {
				return nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if err := c.pause(ctx, table, attempt, readErr); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if isRetryableStatus(resp.StatusCode) && attempt < maxAttempts {
				lastErr = fmt.Errorf("source status %d", resp.StatusCode)
				c.logger.Warn("retrying source request", zap.String("table", table), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
				if err := ratelimit.Sleep(ctx, c.backoff(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("source api error: status=%d body=%s", resp.StatusCode, string(body))
		}
		return body, nil
	}

	if lastErr == nil {
		lastErr = errors.New("source request failed")
	}
	return nil, lastErr
}

// pause waits out the backoff before the next attempt. It returns at once
// after the last attempt.
func (c *Client) pause(ctx context.Context, table string, attempt int, cause error) error {
	if attempt >= maxAttempts {
		return nil
	}
	c.logger.Warn("retrying source request", zap.String("table", table), zap.Int("attempt", attempt), zap.Error(cause))
	return ratelimit.Sleep(ctx, c.backoff(attempt))
}

// decodeRecords accepts a bare JSON array or one wrapped in {"data": [...]}.
// Numbers stay json.Number so long card numbers keep every digit.
func decodeRecords(body []byte) ([]internal.SourceRecord, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, err
		}
		if len(env.Data) == 0 {
			return nil, errors.New(`object response without "data"`)
		}
		trimmed = env.Data
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]internal.SourceRecord, 0, len(raw))
	for _, r := range raw {
		if r == nil {
			continue
		}
		out = append(out, internal.SourceRecord(r))
	}
	return out, nil
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func jitteredBackoff(attempt int) time.Duration {
	return time.Duration(250*(1<<(attempt-1))+rand.Intn(100)) * time.Millisecond
}
