// Package quota enforces per-organization monthly plan ceilings.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EventType names a metered action.
type EventType string

const (
	EventNDVICheck     EventType = "ndvi_check"
	EventMonthlyReport EventType = "monthly_report"
)

const fallbackPlan = "free"

// UsageEvent is one metered action. Rows are only deleted when a reservation
// is released.
type UsageEvent struct {
	ID         string    `gorm:"column:id;primaryKey;size:36;not null"`
	OrgID      string    `gorm:"column:org_id;size:64;not null;index:idx_usage_org_type_time,priority:1"`
	EventType  EventType `gorm:"column:event_type;size:64;not null;index:idx_usage_org_type_time,priority:2"`
	Units      int64     `gorm:"column:units;not null;default:1"`
	OccurredAt time.Time `gorm:"column:occurred_at;not null;index:idx_usage_org_type_time,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (UsageEvent) TableName() string {
	return "usage_events"
}

// Limits maps event types to monthly ceilings. Zero or absent means unlimited.
type Limits map[EventType]int64

// Plans maps plan names to their limits.
type Plans map[string]Limits

// DefaultPlans returns the built-in ceilings.
func DefaultPlans() Plans {
	return Plans{
		"free":       {EventNDVICheck: 30, EventMonthlyReport: 1},
		"pro":        {EventNDVICheck: 600, EventMonthlyReport: 10},
		"enterprise": {},
	}
}

// PlanResolver returns the plan name of an organization, or an empty string
// when it is unknown.
type PlanResolver interface {
	PlanFor(ctx context.Context, orgID string) (string, error)
}

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingResolver = errors.New("plan resolver is required")
)

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
	opGateNew         = "quota.gate.new"
	opWithinPlanLimit = "quota.within_plan_limit"
	opMonthlyUsage    = "quota.monthly_usage"
	opReserve         = "quota.reserve"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type GateConfig struct {
	Database *gorm.DB
	Resolver PlanResolver
	Plans    Plans
	// Disabled admits every request without counting.
	Disabled bool
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Gate decides whether an organization may perform a metered action.
type Gate struct {
	db       *gorm.DB
	resolver PlanResolver
	plans    Plans
	disabled bool
	clock    func() time.Time
	logger   *zap.Logger
	locks    *keyedMutex
}

func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opGateNew, "missing_database", errMissingDatabase)
	}
	if cfg.Resolver == nil {
		return nil, newServiceError(opGateNew, "missing_resolver", errMissingResolver)
	}
	plans := cfg.Plans
	if len(plans) == 0 {
		plans = DefaultPlans()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		db:       cfg.Database,
		resolver: cfg.Resolver,
		plans:    plans,
		disabled: cfg.Disabled,
		clock:    clock,
		logger:   logger,
		locks:    newKeyedMutex(),
	}, nil
}

// MonthStart returns midnight UTC on the first day of the month containing now.
func MonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// WithinPlanLimit reports whether orgID has headroom for another eventType
// this month. It returns false with a nil error once the ceiling is met.
func (g *Gate) WithinPlanLimit(ctx context.Context, orgID string, eventType EventType) (bool, error) {
	ceiling, err := g.planCeiling(ctx, opWithinPlanLimit, orgID, eventType)
	if err != nil {
		return false, err
	}
	if ceiling <= 0 {
		return true, nil
	}
	used, err := g.MonthlyUsage(ctx, orgID, eventType)
	if err != nil {
		return false, err
	}
	return used < ceiling, nil
}

// planCeiling resolves the monthly ceiling of orgID. Zero means unlimited.
func (g *Gate) planCeiling(ctx context.Context, operation, orgID string, eventType EventType) (int64, error) {
	if g.disabled {
		return 0, nil
	}
	plan, err := g.resolver.PlanFor(ctx, orgID)
	if err != nil {
		g.logError(operation, "plan_lookup_failed", err, zap.String("org_id", orgID))
		return 0, newServiceError(operation, "plan_lookup_failed", err)
	}
	return g.ceiling(plan, eventType), nil
}

// MonthlyUsage sums the units orgID consumed for eventType since the start of
// the current UTC month.
func (g *Gate) MonthlyUsage(ctx context.Context, orgID string, eventType EventType) (int64, error) {
	used, err := g.sumUsage(g.db.WithContext(ctx), orgID, eventType)
	if err != nil {
		g.logError(opMonthlyUsage, "query_failed", err,
			zap.String("org_id", orgID),
			zap.String("event_type", string(eventType)))
		return 0, newServiceError(opMonthlyUsage, "query_failed", err)
	}
	return used, nil
}

func (g *Gate) sumUsage(db *gorm.DB, orgID string, eventType EventType) (int64, error) {
	var used int64
	err := db.Model(&UsageEvent{}).
		Select("COALESCE(SUM(units), 0)").
		Where("org_id = ? AND event_type = ? AND occurred_at >= ?", orgID, eventType, MonthStart(g.clock())).
		Scan(&used).Error
	return used, err
}

// Reservation is a usage unit recorded ahead of the metered action. A zero
// value holds nothing.
type Reservation struct {
	eventID string
	orgID   string
}

// Reserve checks the ceiling and records one unit in a single step, so
// concurrent callers for the same organization cannot overshoot it. ok is
// false with a zero Reservation once the ceiling is met. Callers release the
// reservation when the metered action fails.
func (g *Gate) Reserve(ctx context.Context, orgID string, eventType EventType) (Reservation, bool, error) {
	ceiling, err := g.planCeiling(ctx, opReserve, orgID, eventType)
	if err != nil {
		return Reservation{}, false, err
	}
	event, err := g.newEvent(orgID, eventType, 1)
	if err != nil {
		return Reservation{}, false, newServiceError(opReserve, "id_generation_failed", err)
	}

	lockKey := orgID + "/" + string(eventType)
	unlock := g.locks.Lock(lockKey)
	defer unlock()

	allowed := false
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			// serializes reservations across processes sharing the database
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", lockKey).Error; err != nil {
				return err
			}
		}
		if ceiling > 0 {
			used, err := g.sumUsage(tx, orgID, eventType)
			if err != nil {
				return err
			}
			if used >= ceiling {
				return nil
			}
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		allowed = true
		return nil
	})
	if err != nil {
		g.logError(opReserve, "transaction_failed", err,
			zap.String("org_id", orgID),
			zap.String("event_type", string(eventType)))
		return Reservation{}, false, newServiceError(opReserve, "transaction_failed", err)
	}
	if !allowed {
		return Reservation{}, false, nil
	}
	return Reservation{eventID: event.ID, orgID: orgID}, true, nil
}

// Release removes the usage recorded by Reserve. Failures are logged and
// swallowed like usage writes.
func (g *Gate) Release(ctx context.Context, reservation Reservation) {
	if reservation.eventID == "" {
		return
	}
	if err := g.db.WithContext(ctx).Where("id = ?", reservation.eventID).Delete(&UsageEvent{}).Error; err != nil {
		g.logger.Warn("usage reservation release failed",
			zap.String("org_id", reservation.orgID),
			zap.String("event_id", reservation.eventID),
			zap.Error(err))
	}
}

// RecordUsageEvent appends a usage row. Failures are logged and swallowed so
// metering never fails the action it meters.
func (g *Gate) RecordUsageEvent(ctx context.Context, orgID string, eventType EventType, units int64) {
	event, err := g.newEvent(orgID, eventType, units)
	if err != nil {
		g.logger.Warn("usage event id generation failed", zap.String("org_id", orgID), zap.Error(err))
		return
	}
	if err := g.db.WithContext(ctx).Create(&event).Error; err != nil {
		g.logger.Warn("usage event write failed",
			zap.String("org_id", orgID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func (g *Gate) newEvent(orgID string, eventType EventType, units int64) (UsageEvent, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return UsageEvent{}, err
	}
	return UsageEvent{
		ID:         id.String(),
		OrgID:      orgID,
		EventType:  eventType,
		Units:      units,
		OccurredAt: g.clock().UTC(),
	}, nil
}

func (g *Gate) ceiling(plan string, eventType EventType) int64 {
	limits, ok := g.plans[plan]
	if !ok {
		limits = g.plans[fallbackPlan]
	}
	return limits[eventType]
}

func (g *Gate) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	g.logger.Error("quota operation failed", attrs...)
}
