// Package jobs orchestrates the weather, NDVI and monthly report syncs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/jobruns"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/upstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Mode selects between scheduler-driven batches and ad hoc single targets.
type Mode string

const (
	ModeBatch  Mode = "batch"
	ModeSingle Mode = "single"
)

const (
	JobWeather = "fetch-weather-daily"
	JobNDVI    = "fetch-ndvi"
	JobReports = "generate-report-monthly"
)

const dateLayout = "2006-01-02"

var (
	// ErrInvalidRequest indicates a request that names no target.
	ErrInvalidRequest = errors.New("jobs: invalid request")

	errMissingDependency = errors.New("jobs: dependency is required")
)

// Summary is the result of one invocation.
type Summary struct {
	OK            bool   `json:"ok"`
	Month         string `json:"month,omitempty"`
	Processed     int    `json:"processed"`
	SkippedByPlan int    `json:"skipped_by_plan"`
	Failed        int    `json:"failed"`
}

// RunRecorder stores the audit row of an invocation.
type RunRecorder interface {
	Record(ctx context.Context, jobName string, status jobruns.Status, latency time.Duration, details any)
}

// TargetObserver is told the outcome of every target.
type TargetObserver interface {
	TargetOutcome(job, outcome string)
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkippedByPlan
	outcomeIgnored
)

func (o outcome) label() string {
	switch o {
	case outcomeProcessed:
		return "processed"
	case outcomeSkippedByPlan:
		return "skipped_by_plan"
	default:
		return "ignored"
	}
}

// RunnerConfig is shared by every job.
type RunnerConfig struct {
	Recorder RunRecorder
	Observer TargetObserver
	// Concurrency bounds the per-invocation worker pool. Values below one run
	// targets sequentially.
	Concurrency int
	Clock       func() time.Time
	Logger      *zap.Logger
}

type runner struct {
	recorder    RunRecorder
	observer    TargetObserver
	concurrency int
	clock       func() time.Time
	logger      *zap.Logger
}

func newRunner(cfg RunnerConfig, name string) (runner, error) {
	if cfg.Recorder == nil {
		return runner{}, fmt.Errorf("%w: run recorder", errMissingDependency)
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return runner{
		recorder:    cfg.Recorder,
		observer:    cfg.Observer,
		concurrency: concurrency,
		clock:       clock,
		logger:      logger.Named(name),
	}, nil
}

func (r runner) now() time.Time {
	return r.clock().UTC()
}

// target is one unit of work. id is used for logging only.
type target struct {
	id      string
	process func(ctx context.Context) (outcome, error)
}

// runTargets processes every target independently with a bounded pool. A
// failing target is logged with its classified code, counted and skipped.
func (r runner) runTargets(ctx context.Context, job string, targets []target) Summary {
	var (
		mu      sync.Mutex
		summary = Summary{OK: true}
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for _, item := range targets {
		group.Go(func() error {
			result, err := item.process(groupCtx)
			label := result.label()
			mu.Lock()
			switch {
			case err != nil:
				summary.Failed++
				label = "failed"
			case result == outcomeProcessed:
				summary.Processed++
			case result == outcomeSkippedByPlan:
				summary.SkippedByPlan++
			}
			mu.Unlock()
			if err != nil {
				classified := upstream.Classify(err, job)
				r.logger.Warn("target failed",
					zap.String("target", item.id),
					zap.String("code", string(classified.Code)),
					zap.Bool("retriable", classified.Retriable),
					zap.Error(err))
			}
			if r.observer != nil {
				r.observer.TargetOutcome(job, label)
			}
			return nil
		})
	}
	_ = group.Wait()
	return summary
}

// finish records the run and returns the summary for a batch invocation.
func (r runner) finish(ctx context.Context, job string, started time.Time, summary Summary) Summary {
	r.recorder.Record(ctx, job, jobruns.StatusSuccess, r.now().Sub(started), map[string]any{
		"processed":       summary.Processed,
		"skipped_by_plan": summary.SkippedByPlan,
		"failed":          summary.Failed,
		"month":           summary.Month,
	})
	r.logger.Info("job finished",
		zap.Int("processed", summary.Processed),
		zap.Int("skipped_by_plan", summary.SkippedByPlan),
		zap.Int("failed", summary.Failed))
	return summary
}

// fail records a failed run and returns the error annotated with its code.
func (r runner) fail(ctx context.Context, job string, started time.Time, cause error) error {
	classified := upstream.Classify(cause, job)
	r.recorder.Record(ctx, job, jobruns.StatusFailed, r.now().Sub(started), map[string]any{
		"error": cause.Error(),
		"code":  string(classified.Code),
	})
	r.logger.Error("job failed", zap.String("code", string(classified.Code)), zap.Error(cause))
	return classified
}

// single runs exactly one target. Any failure fails the invocation.
func (r runner) single(ctx context.Context, job string, started time.Time, item target, summary Summary) (Summary, error) {
	result, err := item.process(ctx)
	if err != nil {
		if r.observer != nil {
			r.observer.TargetOutcome(job, "failed")
		}
		summary.OK = false
		summary.Failed = 1
		return summary, r.fail(ctx, job, started, err)
	}
	if r.observer != nil {
		r.observer.TargetOutcome(job, result.label())
	}
	switch result {
	case outcomeProcessed:
		summary.Processed = 1
	case outcomeSkippedByPlan:
		summary.SkippedByPlan = 1
	}
	summary.OK = true
	return r.finish(ctx, job, started, summary), nil
}

func resolveDate(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	parsed, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidRequest, raw)
	}
	return parsed, nil
}
