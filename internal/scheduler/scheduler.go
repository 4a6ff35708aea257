// Package scheduler drives the batch syncs on cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const stopTimeout = 30 * time.Second

var (
	ErrUnknownTask   = errors.New("scheduler: unknown task")
	errDuplicateTask = errors.New("scheduler: duplicate task")
	errMissingRun    = errors.New("scheduler: task run function is required")
)

// Task is a named batch invocation fired on a standard five-field cron spec.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type Config struct {
	Tasks []Task
	// Location defaults to UTC.
	Location *time.Location
	Logger   *zap.Logger
}

type entry struct {
	task     Task
	schedule cron.Schedule
}

type Scheduler struct {
	cron     *cron.Cron
	entries  map[string]entry
	order    []string
	location *time.Location
	logger   *zap.Logger
	baseCtx  context.Context
}

func New(cfg Config) (*Scheduler, error) {
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	adapter := cronLogger{logger: logger.Sugar()}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		entries:  make(map[string]entry, len(cfg.Tasks)),
		location: location,
		logger:   logger,
		baseCtx:  context.Background(),
	}
	for _, task := range cfg.Tasks {
		if task.Run == nil {
			return nil, fmt.Errorf("%w: %s", errMissingRun, task.Name)
		}
		if _, exists := s.entries[task.Name]; exists {
			return nil, fmt.Errorf("%w: %s", errDuplicateTask, task.Name)
		}
		schedule, err := cron.ParseStandard(task.Spec)
		if err != nil {
			return nil, fmt.Errorf("scheduler: task %s: %w", task.Name, err)
		}
		s.entries[task.Name] = entry{task: task, schedule: schedule}
		s.order = append(s.order, task.Name)
		name := task.Name
		s.cron.Schedule(schedule, cron.FuncJob(func() {
			_ = s.Trigger(s.baseCtx, name)
		}))
	}
	return s, nil
}

// Next returns the first activation of the named task after from.
func (s *Scheduler) Next(name string, from time.Time) (time.Time, error) {
	item, ok := s.entries[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return item.schedule.Next(from.In(s.location)), nil
}

// Tasks lists the task names in registration order.
func (s *Scheduler) Tasks() []string {
	return append([]string(nil), s.order...)
}

// Trigger runs the named task immediately on the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	item, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	started := time.Now()
	s.logger.Info("scheduled task started", zap.String("task", name))
	if err := item.task.Run(ctx); err != nil {
		s.logger.Error("scheduled task failed", zap.String("task", name), zap.Duration("latency", time.Since(started)), zap.Error(err))
		return err
	}
	s.logger.Info("scheduled task finished", zap.String("task", name), zap.Duration("latency", time.Since(started)))
	return nil
}

// Run fires tasks until ctx is cancelled, then waits for running tasks.
func (s *Scheduler) Run(ctx context.Context) error {
	s.baseCtx = ctx
	s.cron.Start()
	for _, name := range s.order {
		next, _ := s.Next(name, time.Now())
		s.logger.Info("task scheduled", zap.String("task", name), zap.String("spec", s.entries[name].task.Spec), zap.Time("next", next))
	}

	<-ctx.Done()
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(stopTimeout):
		s.logger.Warn("stop timeout waiting for running tasks")
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger routes cron's own diagnostics through zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
