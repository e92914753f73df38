package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/internal/cache"
	"github.com/FocuswithJustin/hypomnema/internal/logging"
)

// HTTPOptions configures an HTTPFetcher.
type HTTPOptions struct {
	// URLTemplate is expanded per book. Supported placeholders are {slug},
	// {name} (path-escaped) and {abbrev}.
	URLTemplate string

	// Timeout bounds each request.
	Timeout time.Duration

	// Retries is the number of extra attempts after a 429, a 5xx or a
	// transport error.
	Retries int

	// Backoff is the wait before the first retry; it doubles on each
	// further retry. A Retry-After header, when present, wins.
	Backoff time.Duration

	// MaxBackoff caps every retry wait, including one asked for by
	// Retry-After.
	MaxBackoff time.Duration

	// Delay is the minimum spacing between requests to the source.
	Delay time.Duration

	UserAgent string

	// MaxBytes caps the response body size.
	MaxBytes int64

	// Charset forces a source encoding; empty means detect.
	Charset string

	// CacheTTL keeps fetched markup in memory; zero disables the cache.
	CacheTTL time.Duration
}

// DefaultHTTPOptions returns conservative settings for public sources.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Timeout:    30 * time.Second,
		Retries:    3,
		Backoff:    5 * time.Second,
		MaxBackoff: 2 * time.Minute,
		Delay:      2 * time.Second,
		UserAgent:  "hypomnema/1.0 (+scripture ingestion)",
		MaxBytes:   16 << 20,
	}
}

// HTTPFetcher downloads book markup over HTTP.
type HTTPFetcher struct {
	opts   HTTPOptions
	client *http.Client
	cache  *cache.TTLCache[string, []byte]

	mu   sync.Mutex
	last time.Time

	sleep func(ctx context.Context, d time.Duration) error
}

// NewHTTPFetcher returns an HTTPFetcher. A nil client gets one with
// opts.Timeout.
func NewHTTPFetcher(opts HTTPOptions, client *http.Client) (*HTTPFetcher, error) {
	if opts.URLTemplate == "" {
		return nil, errors.NewValidation("url", "template must not be empty")
	}
	if !strings.Contains(opts.URLTemplate, "{") {
		return nil, errors.NewValidation("url", "template has no book placeholder")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultHTTPOptions().MaxBytes
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultHTTPOptions().MaxBackoff
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPFetcher{
		opts:   opts,
		client: client,
		cache:  cache.New[string, []byte](opts.CacheTTL),
		sleep:  sleepContext,
	}, nil
}

// URL expands the template for book.
func (h *HTTPFetcher) URL(book canon.Book) string {
	return strings.NewReplacer(
		"{slug}", book.Slug,
		"{name}", pathEscape(book.Name),
		"{abbrev}", book.Abbrev,
	).Replace(h.opts.URLTemplate)
}

func pathEscape(s string) string {
	return strings.ReplaceAll(s, " ", "%20")
}

// Fetch implements Fetcher.
func (h *HTTPFetcher) Fetch(ctx context.Context, book canon.Book) ([]byte, error) {
	url := h.URL(book)
	if data, ok := h.cache.Get(url); ok {
		logging.DebugContext(ctx, "fetch cache hit", "url", url)
		return data, nil
	}

	var lastErr error
	for attempt := 0; attempt <= h.opts.Retries; attempt++ {
		if attempt > 0 {
			wait := h.backoff(attempt, lastErr)
			logging.WarnContext(ctx, "fetch retry", "url", url, "attempt", attempt, "wait", wait.String(), "error", lastErr.Error())
			if err := h.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		if err := h.throttle(ctx); err != nil {
			return nil, err
		}

		data, err := h.get(ctx, url)
		if err == nil {
			h.cache.Set(url, data)
			return data, nil
		}
		lastErr = err

		var re *retryableError
		if !errors.As(err, &re) {
			return nil, err
		}
	}
	return nil, errors.Wrapf(lastErr, "giving up after %d attempts", h.opts.Retries+1)
}

// backoff returns the wait before retry number attempt: Retry-After from the
// last response if it gave one, otherwise Backoff doubled per retry. Either
// way the wait is at most MaxBackoff.
func (h *HTTPFetcher) backoff(attempt int, lastErr error) time.Duration {
	maxWait := h.opts.MaxBackoff
	wait := h.opts.Backoff
	for i := 1; i < attempt && wait < maxWait; i++ {
		wait *= 2
	}
	if wait > maxWait || wait < 0 {
		wait = maxWait
	}
	var re *retryableError
	if errors.As(lastErr, &re) && re.after > 0 {
		wait = min(re.after, maxWait)
	}
	return wait
}

// retryableError marks failures worth another attempt.
type retryableError struct {
	err   error
	after time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (h *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if h.opts.UserAgent != "" {
		req.Header.Set("User-Agent", h.opts.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retryableError{err: errors.Wrap(err, "request")}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &retryableError{
			err:   fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			after: retryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NewNotFound("markup", url)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.opts.MaxBytes+1))
	if err != nil {
		return nil, &retryableError{err: errors.Wrap(err, "read body")}
	}
	if int64(len(body)) > h.opts.MaxBytes {
		return nil, fmt.Errorf("content too large (exceeds %d bytes)", h.opts.MaxBytes)
	}
	return toUTF8(body, h.opts.Charset, resp.Header.Get("Content-Type"))
}

// throttle spaces requests at least opts.Delay apart across goroutines.
func (h *HTTPFetcher) throttle(ctx context.Context) error {
	if h.opts.Delay <= 0 {
		return nil
	}
	h.mu.Lock()
	next := h.last.Add(h.opts.Delay)
	now := time.Now()
	if next.Before(now) {
		next = now
	}
	h.last = next
	h.mu.Unlock()

	return h.sleep(ctx, time.Until(next))
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
