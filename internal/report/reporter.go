package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Defaults used when options are left zero.
const (
	DefaultAttempts = 3
	DefaultBackoff  = time.Second
	DefaultTimeout  = 10 * time.Second
)

// Header carrying the delivery id.
const DeliveryHeader = "X-Pipelined-Delivery"

// Settings for a [Reporter].
type Options struct {
	Attempts  int           // Delivery attempts per notification.
	Backoff   time.Duration // Wait before the second attempt, doubled after each retry.
	Timeout   time.Duration // Bound on a single attempt.
	UserAgent string        // User-Agent header value.
	Observe   func(ok bool) // Called once per notification with the final result. May be nil.
}

// Posts notifications to status URLs.
type Reporter struct {
	client *http.Client
	opts   Options
}

// Creates a reporter. Outgoing requests are traced.
func New(opts Options) *Reporter {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Reporter{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		opts: opts,
	}
}

// Delivers n to url.
//
// 2xx responses are success. Network errors, 5xx and 429 responses are
// retried; other responses fail immediately. Every attempt carries the same
// delivery id.
func (r *Reporter) Report(ctx context.Context, url string, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrReport, err)
	}

	delivery := uuid.New().String()
	wait := r.opts.Backoff
	var lastErr error

	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		retry, err := r.post(ctx, url, delivery, body)
		if err == nil {
			slog.Debug("status reported", "run", n.RunID, "delivery", delivery, "attempt", attempt)
			r.observe(true)
			return nil
		}
		lastErr = err

		if !retry || ctx.Err() != nil || attempt == r.opts.Attempts {
			break
		}

		slog.Debug("status report failed, retrying", "run", n.RunID, "attempt", attempt, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			r.observe(false)
			return fmt.Errorf("%w: %w", pipeline.ErrReport, ctx.Err())
		case <-t.C:
		}
		wait *= 2
	}

	r.observe(false)
	return fmt.Errorf("%w: run %s: %w", pipeline.ErrReport, n.RunID, lastErr)
}

// Performs one delivery attempt and reports whether a failure is worth
// retrying.
func (r *Reporter) post(ctx context.Context, url, delivery string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, delivery)
	if r.opts.UserAgent != "" {
		req.Header.Set("User-Agent", r.opts.UserAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return retry, fmt.Errorf("status sink returned %s", resp.Status)
}

func (r *Reporter) observe(ok bool) {
	if r.opts.Observe != nil {
		r.opts.Observe(ok)
	}
}
