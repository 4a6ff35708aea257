package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBaseDelay is the linear backoff step between attempts.
	DefaultBaseDelay = 300 * time.Millisecond
	// DefaultMaxRetries is the number of additional attempts after the first.
	DefaultMaxRetries = 2

	outcomeSuccess   = "success"
	outcomeStatus    = "status_error"
	outcomeTransport = "transport_error"
)

var errMissingRequestBuilder = errors.New("upstream: request builder is required")

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// AttemptObserver is notified once per underlying request.
type AttemptObserver interface {
	UpstreamAttempt(provider, outcome string)
}

// RequestBuilder constructs a fresh request for each attempt so request bodies
// can be replayed.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

type FetcherConfig struct {
	Client    HTTPDoer
	BaseDelay time.Duration
	Sleep     SleepFunc
	Observer  AttemptObserver
	Logger    *zap.Logger
}

// Fetcher issues HTTP requests with bounded retries and linear backoff.
type Fetcher struct {
	client    HTTPDoer
	baseDelay time.Duration
	sleep     SleepFunc
	observer  AttemptObserver
	logger    *zap.Logger
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = contextSleep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:    client,
		baseDelay: baseDelay,
		sleep:     sleep,
		observer:  cfg.Observer,
		logger:    logger,
	}
}

// Do performs the request built by build, retrying up to maxRetries additional
// times on transport errors and non-2xx statuses. Attempt n is followed by a
// wait of n × base delay. The last observed error is returned on exhaustion.
func (f *Fetcher) Do(ctx context.Context, provider string, build RequestBuilder, maxRetries int) (*http.Response, error) {
	if build == nil {
		return nil, errMissingRequestBuilder
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		response, err := f.attempt(ctx, provider, build)
		if err == nil {
			return response, nil
		}
		lastErr = err
		f.logger.Debug("upstream attempt failed",
			zap.String("provider", provider),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt > maxRetries {
			break
		}
		if sleepErr := f.sleep(ctx, f.baseDelay*time.Duration(attempt)); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, lastErr
}

// ReadAll performs Do and returns the full response body.
func (f *Fetcher) ReadAll(ctx context.Context, provider string, build RequestBuilder, maxRetries int) ([]byte, error) {
	response, err := f.Do(ctx, provider, build, maxRetries)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	return io.ReadAll(response.Body)
}

func (f *Fetcher) attempt(ctx context.Context, provider string, build RequestBuilder) (*http.Response, error) {
	request, err := build(ctx)
	if err != nil {
		return nil, err
	}
	response, err := f.client.Do(request)
	if err != nil {
		f.observe(provider, outcomeTransport)
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
		f.observe(provider, outcomeStatus)
		return nil, &HTTPStatusError{Provider: provider, Status: response.StatusCode}
	}
	f.observe(provider, outcomeSuccess)
	return response, nil
}

func (f *Fetcher) observe(provider, outcome string) {
	if f.observer != nil {
		f.observer.UpstreamAttempt(provider, outcome)
	}
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
