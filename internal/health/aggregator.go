// Package health summarizes job outcomes and data freshness.
package health

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/farms"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/jobruns"
	"go.uber.org/zap"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	recentRunWindow       = 100
	maxFailedRuns         = 5
	maxWeatherAgeHours    = 30.0
	maxNDVIAgeHours       = 240.0
	freshnessHourDecimals = 1
)

// RunSource returns recent job runs, newest first.
type RunSource interface {
	Recent(ctx context.Context, limit int) ([]jobruns.JobRun, error)
}

// FreshnessSource reports the newest observation fetch times.
type FreshnessSource interface {
	LatestWeatherFetch(ctx context.Context) (*time.Time, error)
	LatestNDVIFetch(ctx context.Context) (*time.Time, error)
	CountAlerts(ctx context.Context) (int64, error)
}

// RegistrySource counts organizations and fields.
type RegistrySource interface {
	Counts(ctx context.Context) (farms.Counts, error)
}

// CacheSource reports the remaining lifetime of cached payloads per provider.
type CacheSource interface {
	TTLLeft(ctx context.Context) (map[string]time.Duration, error)
}

type Counts struct {
	Organizations int64 `json:"organizations"`
	Fields        int64 `json:"fields"`
	Alerts        int64 `json:"alerts"`
}

type Indicators struct {
	AvgLatencyMs           int64            `json:"avg_latency_ms"`
	FailedJobsLast100      int              `json:"failed_jobs_last_100"`
	WeatherFreshnessHours  *float64         `json:"weather_freshness_hours"`
	NDVIFreshnessHours     *float64         `json:"ndvi_freshness_hours"`
	CacheTTLLeftByProvider map[string]int64 `json:"cache_ttl_left_by_provider"`
}

type Report struct {
	Status     string     `json:"status"`
	Counts     Counts     `json:"counts"`
	Indicators Indicators `json:"indicators"`
}

var errMissingSource = errors.New("health: runs, freshness, registry and cache sources are required")

type AggregatorConfig struct {
	Runs      RunSource
	Freshness FreshnessSource
	Registry  RegistrySource
	Cache     CacheSource
	Clock     func() time.Time
	Logger    *zap.Logger
}

type Aggregator struct {
	runs      RunSource
	freshness FreshnessSource
	registry  RegistrySource
	cache     CacheSource
	clock     func() time.Time
	logger    *zap.Logger
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Runs == nil || cfg.Freshness == nil || cfg.Registry == nil || cfg.Cache == nil {
		return nil, errMissingSource
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		runs:      cfg.Runs,
		freshness: cfg.Freshness,
		registry:  cfg.Registry,
		cache:     cfg.Cache,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Report gathers the health indicators. Missing observations leave the
// freshness nil, which counts as stale.
func (a *Aggregator) Report(ctx context.Context) (Report, error) {
	now := a.clock().UTC()

	runs, err := a.runs.Recent(ctx, recentRunWindow)
	if err != nil {
		return Report{}, err
	}
	registryCounts, err := a.registry.Counts(ctx)
	if err != nil {
		return Report{}, err
	}
	alerts, err := a.freshness.CountAlerts(ctx)
	if err != nil {
		return Report{}, err
	}
	latestWeather, err := a.freshness.LatestWeatherFetch(ctx)
	if err != nil {
		return Report{}, err
	}
	latestNDVI, err := a.freshness.LatestNDVIFetch(ctx)
	if err != nil {
		return Report{}, err
	}
	ttl, err := a.cache.TTLLeft(ctx)
	if err != nil {
		a.logger.Warn("cache ttl unavailable", zap.Error(err))
		ttl = nil
	}

	indicators := Indicators{
		WeatherFreshnessHours:  ageHours(now, latestWeather),
		NDVIFreshnessHours:     ageHours(now, latestNDVI),
		CacheTTLLeftByProvider: make(map[string]int64, len(ttl)),
	}
	var totalLatency int64
	for _, run := range runs {
		totalLatency += run.LatencyMs
		if run.Status == jobruns.StatusFailed {
			indicators.FailedJobsLast100++
		}
	}
	if len(runs) > 0 {
		indicators.AvgLatencyMs = int64(math.Round(float64(totalLatency) / float64(len(runs))))
	}
	for provider, left := range ttl {
		indicators.CacheTTLLeftByProvider[provider] = int64(left / time.Second)
	}

	status := StatusOK
	if indicators.FailedJobsLast100 > maxFailedRuns ||
		stale(indicators.WeatherFreshnessHours, maxWeatherAgeHours) ||
		stale(indicators.NDVIFreshnessHours, maxNDVIAgeHours) {
		status = StatusDegraded
	}

	return Report{
		Status: status,
		Counts: Counts{
			Organizations: registryCounts.Organizations,
			Fields:        registryCounts.Fields,
			Alerts:        alerts,
		},
		Indicators: indicators,
	}, nil
}

func ageHours(now time.Time, latest *time.Time) *float64 {
	if latest == nil {
		return nil
	}
	scale := math.Pow10(freshnessHourDecimals)
	hours := math.Round(now.Sub(*latest).Hours()*scale) / scale
	return &hours
}

func stale(hours *float64, threshold float64) bool {
	return hours == nil || *hours > threshold
}
