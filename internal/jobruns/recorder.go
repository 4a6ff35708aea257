// Package jobruns records one audit row per orchestrator invocation.
package jobruns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Status of a finished invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// JobRun is one orchestrator invocation. Rows are append-only.
type JobRun struct {
	ID        string    `gorm:"column:id;primaryKey;size:36;not null"`
	JobName   string    `gorm:"column:job_name;size:64;not null;index"`
	Status    Status    `gorm:"column:status;size:16;not null"`
	LatencyMs int64     `gorm:"column:latency_ms;not null"`
	Details   string    `gorm:"column:details;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (JobRun) TableName() string {
	return "job_runs"
}

// Observer receives every recorded run.
type Observer interface {
	JobRun(job, status string, latency time.Duration)
}

var errMissingDatabase = errors.New("jobruns: database handle is required")

type RecorderConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Observer Observer
	Logger   *zap.Logger
}

type Recorder struct {
	db       *gorm.DB
	clock    func() time.Time
	observer Observer
	logger   *zap.Logger
}

func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: cfg.Database, clock: clock, observer: cfg.Observer, logger: logger}, nil
}

// Record inserts one run. Failures are logged and never returned.
func (r *Recorder) Record(ctx context.Context, jobName string, status Status, latency time.Duration, details any) {
	if r.observer != nil {
		r.observer.JobRun(jobName, string(status), latency)
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		r.logger.Warn("job run details not encodable", zap.String("job", jobName), zap.Error(err))
		encoded = []byte("{}")
	}
	id, err := uuid.NewV7()
	if err != nil {
		r.logger.Warn("job run id generation failed", zap.String("job", jobName), zap.Error(err))
		return
	}
	run := JobRun{
		ID:        id.String(),
		JobName:   jobName,
		Status:    status,
		LatencyMs: latency.Milliseconds(),
		Details:   string(encoded),
		CreatedAt: r.clock().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&run).Error; err != nil {
		r.logger.Warn("job run write failed",
			zap.String("job", jobName),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// Recent returns up to limit runs, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]JobRun, error) {
	var runs []JobRun
	if err := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("jobruns: select recent: %w", err)
	}
	return runs, nil
}
