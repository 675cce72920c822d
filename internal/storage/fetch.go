package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/seantiz/cinder/internal/model"
)

const (
	defaultFetchAttempts = 3
	defaultFetchBackoff  = 500 * time.Millisecond
	maxFetchBackoff      = 10 * time.Second
)

// Fetcher downloads upload sources from URLs and git repositories.
type Fetcher struct {
	client   *http.Client
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
	git      string
}

// NewFetcher creates a Fetcher. A nil client uses one without a global
// timeout, since downloads may be large; the request context bounds them.
func NewFetcher(client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{
		client:   client,
		logger:   logger,
		attempts: defaultFetchAttempts,
		backoff:  defaultFetchBackoff,
		git:      "git",
	}
}

// WithRetry overrides the number of attempts and the initial backoff.
func (f *Fetcher) WithRetry(attempts int, backoff time.Duration) *Fetcher {
	if attempts > 0 {
		f.attempts = attempts
	}
	f.backoff = backoff
	return f
}

// Download opens rawURL for reading. Network errors, 429 and 5xx
// responses are retried with exponential backoff.
func (f *Fetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, model.Validationf("unsupported url %q", rawURL)
	}

	delay := f.backoff
	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		body, retry, err := f.get(ctx, u.String())
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry || attempt == f.attempts {
			break
		}
		f.logger.Warn("retrying download", "url", u.Redacted(), "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxFetchBackoff)
	}
	return nil, lastErr
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (io.ReadCloser, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, model.Validationf("build request: %v", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, err
		}
		return nil, true, model.Transport("download "+rawURL, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, false, nil
	}
	resp.Body.Close()
	err = model.Transport("download "+rawURL, fmt.Errorf("unexpected status %s", resp.Status))
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return nil, retry, err
}

// Clone makes a shallow clone of the git repository at rawURL into dest.
func (f *Fetcher) Clone(ctx context.Context, rawURL, dest string) error {
	if strings.HasPrefix(rawURL, "-") {
		return model.Validationf("invalid repository url %q", rawURL)
	}
	cmd := exec.CommandContext(ctx, f.git, "clone", "--depth", "1", "--", rawURL, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return model.Transport("git clone "+rawURL, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return nil
}
