// Package reports persists monthly report rows and renders their PDF artifacts.
package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound indicates no report matches the lookup.
var ErrNotFound = errors.New("reports: not found")

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
	opRepositoryNew = "reports.repository.new"
	opUpsert        = "reports.upsert"
	opFindByToken   = "reports.find_by_token"
	opFind          = "reports.find"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// NewShareToken returns 32 lowercase hex characters from a random UUID.
func NewShareToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// TokenSource overrides NewShareToken.
	TokenSource func() string
	Logger      *zap.Logger
}

type Repository struct {
	db          *gorm.DB
	clock       func() time.Time
	tokenSource func() string
	logger      *zap.Logger
}

func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRepositoryNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tokenSource := cfg.TokenSource
	if tokenSource == nil {
		tokenSource = NewShareToken
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: cfg.Database, clock: clock, tokenSource: tokenSource, logger: logger}, nil
}

// Upsert stores report keyed by organization, month and type and returns the
// stored row. An existing row keeps its id and public token.
func (r *Repository) Upsert(ctx context.Context, report Report) (Report, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Report{}, newServiceError(opUpsert, "id_generation_failed", err)
	}
	now := r.clock().UTC()
	report.ID = id.String()
	report.PublicToken = r.tokenSource()
	report.CreatedAt = now
	report.UpdatedAt = now

	db := r.db.WithContext(ctx)
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "month"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "artifact_url", "artifact_path", "payload", "updated_at"}),
	}).Create(&report).Error
	if err != nil {
		r.logError(opUpsert, "upsert_failed", err, zap.String("org_id", report.OrgID), zap.String("month", report.Month))
		return Report{}, newServiceError(opUpsert, "upsert_failed", err)
	}

	var stored Report
	if err := db.Where("org_id = ? AND month = ? AND type = ?", report.OrgID, report.Month, report.Type).Take(&stored).Error; err != nil {
		r.logError(opUpsert, "reload_failed", err, zap.String("org_id", report.OrgID), zap.String("month", report.Month))
		return Report{}, newServiceError(opUpsert, "reload_failed", err)
	}
	return stored, nil
}

// Find returns the report of orgID for month and reportType, or ErrNotFound.
func (r *Repository) Find(ctx context.Context, orgID, month, reportType string) (Report, error) {
	var report Report
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND month = ? AND type = ?", orgID, month, reportType).
		Take(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		r.logError(opFind, "query_failed", err, zap.String("org_id", orgID), zap.String("month", month))
		return Report{}, newServiceError(opFind, "query_failed", err)
	}
	return report, nil
}

func (r *Repository) FindByToken(ctx context.Context, token string) (Report, error) {
	if strings.TrimSpace(token) == "" {
		return Report{}, ErrNotFound
	}
	var report Report
	err := r.db.WithContext(ctx).Where("public_token = ?", token).Take(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		r.logError(opFindByToken, "query_failed", err)
		return Report{}, newServiceError(opFindByToken, "query_failed", err)
	}
	return report, nil
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
	r.logger.Error("report operation failed", attrs...)
}
