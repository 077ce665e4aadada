package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crmsync/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	cfg := config.Config{
		SourceBaseURL:      "https://pos.example.test/api/",
		SourceLogin:        "shop",
		SourcePassword:     "secret",
		SourceTimeout:      time.Second,
		SourceRateLimitRPS: 1000,
	}
	client := NewClient(cfg, zap.NewNop())
	client.httpClient = &http.Client{Transport: rt}
	client.backoff = func(int) time.Duration { return 0 }
	return client
}

func TestFetchTableWithRetry(t *testing.T) {
	attempt := 0
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/api/cards", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "shop", user)
		assert.Equal(t, "secret", pass)

		attempt++
		if attempt == 1 {
			return jsonResponse(http.StatusServiceUnavailable, `{"error":"busy"}`), nil
		}
		return jsonResponse(http.StatusOK, `[{"number": 4000000000000001, "client_code": "C1"}, null]`), nil
	})

	records, err := client.FetchTable(context.Background(), "cards")
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
	require.Len(t, records, 1)
	assert.Equal(t, json.Number("4000000000000001"), records[0]["number"])
	assert.Equal(t, "4000000000000001", records[0].String("number"))
}

func TestFetchTableWrappedData(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"data": [{"code": "W1"}, {"code": "W2"}]}`), nil
	})

	records, err := client.FetchTable(context.Background(), "warehouses")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "W2", records[1].String("code"))
}

func TestFetchTableErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCall int
	}{
		{name: "client error is final", status: http.StatusUnauthorized, body: `{}`, wantCall: 1},
		{name: "server error exhausts retries", status: http.StatusBadGateway, body: `{}`, wantCall: maxAttempts},
		{name: "object without data", status: http.StatusOK, body: `{"items": []}`, wantCall: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
				calls++
				return jsonResponse(tt.status, tt.body), nil
			})
			_, err := client.FetchTable(context.Background(), "items")
			assert.Error(t, err)
			assert.Equal(t, tt.wantCall, calls)
		})
	}
}

func TestFetchTableBacksOffOnTransportError(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return jsonResponse(http.StatusOK, `[{"code": "W1"}]`), nil
	})
	var waits []int
	client.backoff = func(attempt int) time.Duration {
		waits = append(waits, attempt)
		return 0
	}

	records, err := client.FetchTable(context.Background(), "warehouses")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, []int{1, 2}, waits)
}

func TestFetchTableRequiresBaseURL(t *testing.T) {
	client := NewClient(config.Config{SourceRateLimitRPS: 1}, zap.NewNop())
	_, err := client.FetchTable(context.Background(), "items")
	assert.ErrorContains(t, err, "SOURCE_BASE_URL")
}
