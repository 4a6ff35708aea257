// Package observations persists per-field weather, NDVI, recommendations and
// alerts.
package observations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/agronomy"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opRepositoryNew      = "observations.repository.new"
	opSaveWeather        = "observations.save_weather"
	opSaveRecommendation = "observations.save_recommendation"
	opSaveNDVI           = "observations.save_ndvi"
	opTrailingNDVI       = "observations.trailing_ndvi"
	opInsertAlert        = "observations.insert_alert"
	opLatestFetch        = "observations.latest_fetch"
	opCountAlerts        = "observations.count_alerts"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Repository struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRepositoryNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveWeatherSnapshot upserts the raw payload for fieldID on date.
func (r *Repository) SaveWeatherSnapshot(ctx context.Context, fieldID, date string, payload []byte) error {
	row := WeatherSnapshot{FieldID: fieldID, Date: date, Payload: string(payload), FetchedAt: r.now()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   fieldDateColumns(),
		DoUpdates: clause.AssignmentColumns([]string{"payload", "fetched_at"}),
	}).Create(&row).Error
	if err != nil {
		r.logError(opSaveWeather, "upsert_failed", err, zap.String("field_id", fieldID), zap.String("date", date))
		return newServiceError(opSaveWeather, "upsert_failed", err)
	}
	return nil
}

// SaveRecommendation upserts the irrigation recommendation for fieldID on date.
func (r *Repository) SaveRecommendation(ctx context.Context, fieldID, date string, recommendation agronomy.Recommendation) error {
	row := IrrigationRecommendation{
		FieldID:       fieldID,
		Date:          date,
		ET0Mm:         recommendation.ET0Mm,
		RecommendedMm: recommendation.RecommendedMm,
		Confidence:    recommendation.Confidence,
		Reasoning:     recommendation.Reasoning,
		UpdatedAt:     r.now(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   fieldDateColumns(),
		DoUpdates: clause.AssignmentColumns([]string{"et0_mm", "recommended_mm", "confidence", "reasoning", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		r.logError(opSaveRecommendation, "upsert_failed", err, zap.String("field_id", fieldID), zap.String("date", date))
		return newServiceError(opSaveRecommendation, "upsert_failed", err)
	}
	return nil
}

// SaveNDVI upserts the vegetation index observation for fieldID on date.
func (r *Repository) SaveNDVI(ctx context.Context, fieldID, date string, mean, cloudPct float64) error {
	row := NDVIObservation{FieldID: fieldID, Date: date, NDVIMean: mean, CloudPct: cloudPct, FetchedAt: r.now()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   fieldDateColumns(),
		DoUpdates: clause.AssignmentColumns([]string{"ndvi_mean", "cloud_pct", "fetched_at"}),
	}).Create(&row).Error
	if err != nil {
		r.logError(opSaveNDVI, "upsert_failed", err, zap.String("field_id", fieldID), zap.String("date", date))
		return newServiceError(opSaveNDVI, "upsert_failed", err)
	}
	return nil
}

// TrailingNDVI returns up to limit NDVI means of fieldID dated strictly before
// date, newest first.
func (r *Repository) TrailingNDVI(ctx context.Context, fieldID, date string, limit int) ([]float64, error) {
	var rows []NDVIObservation
	err := r.db.WithContext(ctx).
		Select("ndvi_mean").
		Where("field_id = ? AND date < ?", fieldID, date).
		Order("date DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		r.logError(opTrailingNDVI, "query_failed", err, zap.String("field_id", fieldID))
		return nil, newServiceError(opTrailingNDVI, "query_failed", err)
	}
	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		values = append(values, row.NDVIMean)
	}
	return values, nil
}

// InsertAlert stores signal for fieldID on date. It reports false when the
// same alert already exists.
func (r *Repository) InsertAlert(ctx context.Context, fieldID, date string, signal agronomy.Signal) (bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return false, newServiceError(opInsertAlert, "id_generation_failed", err)
	}
	alert := Alert{
		ID:        id.String(),
		FieldID:   fieldID,
		Date:      date,
		Type:      signal.Type,
		Severity:  signal.Severity,
		Message:   signal.Message,
		CreatedAt: r.now(),
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "field_id"}, {Name: "date"}, {Name: "type"}},
		DoNothing: true,
	}).Create(&alert)
	if result.Error != nil {
		r.logError(opInsertAlert, "insert_failed", result.Error,
			zap.String("field_id", fieldID),
			zap.String("alert_type", string(signal.Type)))
		return false, newServiceError(opInsertAlert, "insert_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// LatestWeatherFetch returns the newest weather snapshot fetch time, or nil
// when no snapshot exists.
func (r *Repository) LatestWeatherFetch(ctx context.Context) (*time.Time, error) {
	var row WeatherSnapshot
	return r.latestFetch(ctx, &row, func() time.Time { return row.FetchedAt })
}

// LatestNDVIFetch returns the newest NDVI observation fetch time, or nil when
// no observation exists.
func (r *Repository) LatestNDVIFetch(ctx context.Context) (*time.Time, error) {
	var row NDVIObservation
	return r.latestFetch(ctx, &row, func() time.Time { return row.FetchedAt })
}

func (r *Repository) latestFetch(ctx context.Context, dest any, fetchedAt func() time.Time) (*time.Time, error) {
	err := r.db.WithContext(ctx).Select("fetched_at").Order("fetched_at DESC").Limit(1).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logError(opLatestFetch, "query_failed", err)
		return nil, newServiceError(opLatestFetch, "query_failed", err)
	}
	value := fetchedAt().UTC()
	return &value, nil
}

func (r *Repository) CountAlerts(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Alert{}).Count(&count).Error; err != nil {
		r.logError(opCountAlerts, "query_failed", err)
		return 0, newServiceError(opCountAlerts, "query_failed", err)
	}
	return count, nil
}

func (r *Repository) now() time.Time {
	return r.clock().UTC()
}

func fieldDateColumns() []clause.Column {
	return []clause.Column{{Name: "field_id"}, {Name: "date"}}
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("observation operation failed", attrs...)
}
