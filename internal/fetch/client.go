// Package fetch retrieves disclosure pages and documents over HTTP.
//
// All requests made through one Client share a rate limiter, so a run over
// many sources never exceeds the configured request rate. file:// URLs are
// read from disk, which lets fixtures stand in for live portals.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/JonMunkholm/allocsync/internal/core"
	"github.com/JonMunkholm/allocsync/internal/logging"
)

// Options configures a Client.
type Options struct {
	Timeout           time.Duration
	UserAgent         string
	MaxBodyBytes      int64
	RequestsPerSecond float64
	Burst             int
}

// Client implements core.Fetcher.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	maxBody   int64
}

var _ core.Fetcher = (*Client)(nil)

// ErrTooLarge is returned when a page exceeds MaxBodyBytes.
var ErrTooLarge = errors.New("response body too large")

// New creates a Client. Zero options fall back to a 60s timeout, a 20MB
// body cap and one request per second.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 20 << 20
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Client{
		http:      &http.Client{Timeout: opts.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		userAgent: opts.UserAgent,
		maxBody:   opts.MaxBodyBytes,
	}
}

// Fetch returns the body of the page at rawURL as text.
func (c *Client) Fetch(ctx context.Context, rawURL string) (string, error) {
	if path, ok := filePath(rawURL); ok {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %v: %w", path, err, core.ErrFetch)
		}
		defer func() { _ = f.Close() }()
		text, err := decodeText(f, "")
		if err != nil {
			return "", fmt.Errorf("read %s: %v: %w", path, err, core.ErrFetch)
		}
		return string(text), nil
	}

	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %v: %w", rawURL, err, core.ErrFetch)
	}
	if int64(len(body)) > c.maxBody {
		return "", fmt.Errorf("%s exceeds %d bytes: %w: %w", rawURL, c.maxBody, ErrTooLarge, core.ErrFetch)
	}

	text, err := decodeText(bytes.NewReader(body), resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("decode %s: %v: %w", rawURL, err, core.ErrFetch)
	}

	logging.FromContext(ctx).Debug("page fetched", "url", rawURL, "bytes", len(body))
	return string(text), nil
}

// Download streams the document at rawURL to dest, replacing any previous
// download atomically, and returns dest.
func (c *Client) Download(ctx context.Context, rawURL, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	var body io.ReadCloser
	if path, ok := filePath(rawURL); ok {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open %s: %v: %w", path, err, core.ErrFetch)
		}
		body = f
	} else {
		resp, err := c.get(ctx, rawURL)
		if err != nil {
			return "", err
		}
		body = resp.Body
	}
	defer func() { _ = body.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download_*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("download %s: %v: %w", rawURL, err, core.ErrFetch)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("move download: %w", err)
	}

	logging.FromContext(ctx).Debug("document downloaded", "url", rawURL, "path", dest, "bytes", n)
	return dest, nil
}

// get waits for the limiter and issues a GET. Non-2xx responses are errors.
func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %v: %w", rawURL, err, core.ErrFetch)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("get %s: %v: %w", rawURL, err, core.ErrFetch)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("get %s: status %s: %w", rawURL, resp.Status, core.ErrFetch)
	}
	return resp, nil
}

// filePath reports whether rawURL is a file:// URL and returns its path.
func filePath(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", false
	}
	return u.Path, true
}
