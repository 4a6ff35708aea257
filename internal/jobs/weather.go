package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/agronomy"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/cache"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/farms"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/upstream"
	"go.uber.org/zap"
)

// WeatherTTL is how long a daily point-weather payload is served from cache.
const WeatherTTL = 24 * time.Hour

// PayloadCache serves upstream payloads cache-aside.
type PayloadCache interface {
	GetOrFetch(ctx context.Context, provider, cacheKey string, ttl time.Duration, fetch cache.FetchFunc) ([]byte, bool, error)
}

// FieldSource enumerates and resolves fields.
type FieldSource interface {
	ListFields(ctx context.Context, limit int) ([]farms.Field, error)
	FindField(ctx context.Context, fieldID string) (farms.Field, error)
	OrganizationOf(ctx context.Context, field farms.Field) (string, bool, error)
}

// WeatherSource fetches raw daily point weather.
type WeatherSource interface {
	Daily(ctx context.Context, lat, lng float64, date time.Time) ([]byte, error)
}

// WeatherStore persists weather-derived rows.
type WeatherStore interface {
	SaveWeatherSnapshot(ctx context.Context, fieldID, date string, payload []byte) error
	SaveRecommendation(ctx context.Context, fieldID, date string, recommendation agronomy.Recommendation) error
	InsertAlert(ctx context.Context, fieldID, date string, signal agronomy.Signal) (bool, error)
}

// WeatherRequest selects the fields to sync. In single mode Lat and Lng
// default to the field centroid.
type WeatherRequest struct {
	Mode    Mode
	FieldID string
	Lat     *float64
	Lng     *float64
	Date    string
}

type WeatherJobConfig struct {
	RunnerConfig
	Fields  FieldSource
	Weather WeatherSource
	Cache   PayloadCache
	Store   WeatherStore
}

// WeatherJob fetches daily weather per field and derives irrigation and heat alerts.
type WeatherJob struct {
	runner
	fields  FieldSource
	weather WeatherSource
	cache   PayloadCache
	store   WeatherStore
}

func NewWeatherJob(cfg WeatherJobConfig) (*WeatherJob, error) {
	if cfg.Fields == nil || cfg.Weather == nil || cfg.Cache == nil || cfg.Store == nil {
		return nil, fmt.Errorf("%w: weather job needs fields, weather, cache and store", errMissingDependency)
	}
	base, err := newRunner(cfg.RunnerConfig, "jobs.weather")
	if err != nil {
		return nil, err
	}
	return &WeatherJob{runner: base, fields: cfg.Fields, weather: cfg.Weather, cache: cfg.Cache, store: cfg.Store}, nil
}

func (j *WeatherJob) Run(ctx context.Context, request WeatherRequest) (Summary, error) {
	started := j.now()
	date, err := resolveDate(request.Date, started)
	if err != nil {
		return Summary{}, j.fail(ctx, JobWeather, started, err)
	}

	if request.Mode != ModeBatch {
		item, err := j.singleTarget(ctx, request, date)
		if err != nil {
			return Summary{}, j.fail(ctx, JobWeather, started, err)
		}
		return j.single(ctx, JobWeather, started, item, Summary{})
	}

	fields, err := j.fields.ListFields(ctx, farms.DefaultListLimit)
	if err != nil {
		return Summary{}, j.fail(ctx, JobWeather, started, err)
	}
	targets := make([]target, 0, len(fields))
	for _, field := range fields {
		targets = append(targets, j.target(field.ID, field.CentroidLat, field.CentroidLng, date))
	}
	return j.finish(ctx, JobWeather, started, j.runTargets(ctx, JobWeather, targets)), nil
}

func (j *WeatherJob) singleTarget(ctx context.Context, request WeatherRequest, date time.Time) (target, error) {
	if request.FieldID == "" {
		return target{}, fmt.Errorf("%w: field_id is required", ErrInvalidRequest)
	}
	if request.Lat != nil && request.Lng != nil {
		return j.target(request.FieldID, *request.Lat, *request.Lng, date), nil
	}
	field, err := j.fields.FindField(ctx, request.FieldID)
	if err != nil {
		return target{}, err
	}
	return j.target(field.ID, field.CentroidLat, field.CentroidLng, date), nil
}

func (j *WeatherJob) target(fieldID string, lat, lng float64, date time.Time) target {
	return target{
		id: fieldID,
		process: func(ctx context.Context) (outcome, error) {
			return j.processField(ctx, fieldID, lat, lng, date)
		},
	}
}

func (j *WeatherJob) processField(ctx context.Context, fieldID string, lat, lng float64, date time.Time) (outcome, error) {
	day := cache.Date(date)
	cacheKey := cache.Key("weather", map[string]string{
		"lat":  cache.Coord(lat),
		"lng":  cache.Coord(lng),
		"date": day,
	})
	payload, hit, err := j.cache.GetOrFetch(ctx, upstream.ProviderNASAPower, cacheKey, WeatherTTL, func(ctx context.Context) ([]byte, error) {
		return j.weather.Daily(ctx, lat, lng, date)
	})
	if err != nil {
		return outcomeIgnored, err
	}

	metrics, err := upstream.ParseNASAPowerDaily(payload, date)
	if err != nil {
		return outcomeIgnored, err
	}
	if err := j.store.SaveWeatherSnapshot(ctx, fieldID, day, payload); err != nil {
		return outcomeIgnored, err
	}

	recommendation := agronomy.Recommend(agronomy.Reading{
		TemperatureC:     metrics.TemperatureC,
		WindSpeedMs:      metrics.WindSpeedMs,
		RelativeHumidity: metrics.RelativeHumidity,
	})
	if err := j.store.SaveRecommendation(ctx, fieldID, day, recommendation); err != nil {
		return outcomeIgnored, err
	}

	if metrics.TemperatureC != nil {
		if signal, ok := agronomy.DetectHeat(*metrics.TemperatureC); ok {
			if _, err := j.store.InsertAlert(ctx, fieldID, day, signal); err != nil {
				return outcomeIgnored, err
			}
		}
	}

	j.logger.Debug("field weather synced",
		zap.String("field_id", fieldID),
		zap.String("date", day),
		zap.Bool("cache_hit", hit),
		zap.Float64("recommended_mm", recommendation.RecommendedMm))
	return outcomeProcessed, nil
}
