package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingStore   = errors.New("cache: store is required")
	errMissingFetcher = errors.New("cache: fetcher is required")
)

// FetchFunc produces the payload on a cache miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// LookupObserver is notified about every lookup.
type LookupObserver interface {
	CacheLookup(provider string, hit bool)
}

type ServiceConfig struct {
	Store    Store
	Clock    func() time.Time
	Observer LookupObserver
	Logger   *zap.Logger
}

// Service implements cache-aside over a Store.
type Service struct {
	store    Store
	clock    func() time.Time
	observer LookupObserver
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, clock: clock, observer: cfg.Observer, logger: logger}, nil
}

// GetOrFetch returns the fresh payload cached under cacheKey, or calls fetch
// and stores its result for ttl. Concurrent misses may both fetch; the last
// writer wins. A failed lookup is treated as a miss and a failed write still
// returns the fetched payload.
func (s *Service) GetOrFetch(ctx context.Context, provider, cacheKey string, ttl time.Duration, fetch FetchFunc) ([]byte, bool, error) {
	if fetch == nil {
		return nil, false, errMissingFetcher
	}

	entry, found, err := s.store.Get(ctx, cacheKey)
	if err != nil {
		s.logger.Warn("cache lookup failed, fetching",
			zap.String("provider", provider),
			zap.String("cache_key", cacheKey),
			zap.Error(err))
	} else if found && entry.Fresh(s.now()) {
		s.observe(provider, true)
		return entry.Payload, true, nil
	}
	s.observe(provider, false)

	payload, err := fetch(ctx)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	if err := s.store.Put(ctx, Entry{
		CacheKey:  cacheKey,
		Provider:  provider,
		Payload:   payload,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}); err != nil {
		s.logger.Warn("cache write failed",
			zap.String("provider", provider),
			zap.String("cache_key", cacheKey),
			zap.Error(err))
	}
	return payload, false, nil
}

// PayloadGetter is the cache-aside lookup implemented by Service.
type PayloadGetter interface {
	GetOrFetch(ctx context.Context, provider, cacheKey string, ttl time.Duration, fetch FetchFunc) ([]byte, bool, error)
}

// GetOrFetchJSON is GetOrFetch for JSON-encoded values.
func GetOrFetchJSON[T any](ctx context.Context, s PayloadGetter, provider, cacheKey string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, bool, error) {
	var value T
	payload, hit, err := s.GetOrFetch(ctx, provider, cacheKey, ttl, func(ctx context.Context) ([]byte, error) {
		fetched, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(fetched)
	})
	if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal(payload, &value); err != nil {
		return value, hit, fmt.Errorf("cache: decode %s payload: %w", provider, err)
	}
	return value, hit, nil
}

// TTLLeft reports the remaining lifetime of the freshest entry per provider.
func (s *Service) TTLLeft(ctx context.Context) (map[string]time.Duration, error) {
	now := s.now()
	expiries, err := s.store.LiveExpiries(ctx, now)
	if err != nil {
		return nil, err
	}
	left := make(map[string]time.Duration, len(expiries))
	for provider, expiresAt := range expiries {
		left[provider] = expiresAt.Sub(now)
	}
	return left, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) observe(provider string, hit bool) {
	if s.observer != nil {
		s.observer.CacheLookup(provider, hit)
	}
}
