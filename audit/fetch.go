package audit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxImageBytes = 32 << 20

type FetchConfig struct {
	// Delay is slept after every successful fetch, outside the request timeout.
	Delay time.Duration
	// RequestsPerSecond caps outbound requests across all workers. Zero disables it.
	RequestsPerSecond float64
	MaxBytes          int64
	UserAgent         string
	Client            *http.Client
}

// FetchResult is one successful HTTP response body.
type FetchResult struct {
	URL         string
	ContentType string
	Body        []byte
}

type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	delay     time.Duration
	maxBytes  int64
	userAgent string
	metrics   *Metrics
}

func NewFetcher(cfg FetchConfig, m *Metrics) *Fetcher {
	f := &Fetcher{
		client:    cfg.Client,
		delay:     cfg.Delay,
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
		metrics:   m,
	}
	if f.client == nil {
		// Per-request timeouts come from the context.
		f.client = &http.Client{}
	}
	if f.maxBytes <= 0 {
		f.maxBytes = defaultMaxImageBytes
	}
	if f.userAgent == "" {
		f.userAgent = "nft-image-audit/1.0"
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return f
}

// Fetch GETs url with its own timeout. Non-2xx responses are *StatusError.
func (f *Fetcher) Fetch(ctx context.Context, url string, timeout time.Duration) (*FetchResult, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	res, err := f.do(ctx, url, timeout)
	f.metrics.observeFetch(err)
	if err != nil {
		return nil, err
	}

	if f.delay > 0 {
		sleepCtx(ctx, f.delay)
	}
	return res, nil
}

func (f *Fetcher) do(ctx context.Context, url string, timeout time.Duration) (*FetchResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrBodyTooLarge, f.maxBytes, url)
	}

	return &FetchResult{
		URL:         url,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
