package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"crmsync/internal"
)

var ErrTooLarge = errors.New("media: file exceeds size limit")

// Fetcher downloads product images so they can be sent inline.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (internal.Attachment, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return internal.Attachment{}, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return internal.Attachment{}, fmt.Errorf("media: unsupported url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return internal.Attachment{}, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return internal.Attachment{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return internal.Attachment{}, fmt.Errorf("media: status %d for %s", resp.StatusCode, u)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return internal.Attachment{}, ErrTooLarge
	}

	reader := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return internal.Attachment{}, err
	}
	if f.maxBytes > 0 && int64(len(content)) > f.maxBytes {
		return internal.Attachment{}, ErrTooLarge
	}
	if len(content) == 0 {
		return internal.Attachment{}, fmt.Errorf("media: empty body for %s", u)
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "image"
	}
	return internal.Attachment{Name: name, Content: content}, nil
}
