package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type staticResolver map[string]string

func (r staticResolver) PlanFor(_ context.Context, orgID string) (string, error) {
	return r[orgID], nil
}

type failingResolver struct{}

func (failingResolver) PlanFor(context.Context, string) (string, error) {
	return "", errors.New("organizations unavailable")
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "quota.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&UsageEvent{}); err != nil {
		t.Fatalf("failed to migrate usage schema: %v", err)
	}
	return db
}

func newTestGate(t *testing.T, db *gorm.DB, now time.Time, resolver PlanResolver) *Gate {
	t.Helper()
	gate, err := NewGate(GateConfig{
		Database: db,
		Resolver: resolver,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	return gate
}

func TestWithinPlanLimitCountsCurrentMonthOnly(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(t, db, now, staticResolver{"org-1": "free"})
	ctx := context.Background()

	previousMonth := UsageEvent{ID: "old", OrgID: "org-1", EventType: EventMonthlyReport, Units: 1, OccurredAt: time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC)}
	if err := db.Create(&previousMonth).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	allowed, err := gate.WithinPlanLimit(ctx, "org-1", EventMonthlyReport)
	if err != nil || !allowed {
		t.Fatalf("expected headroom ignoring last month, got allowed=%v err=%v", allowed, err)
	}

	gate.RecordUsageEvent(ctx, "org-1", EventMonthlyReport, 1)
	allowed, err = gate.WithinPlanLimit(ctx, "org-1", EventMonthlyReport)
	if err != nil || allowed {
		t.Fatalf("expected free plan to be exhausted after one report, got allowed=%v err=%v", allowed, err)
	}
}

func TestWithinPlanLimitSumsUnits(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(t, db, now, staticResolver{"org-1": "free"})
	ctx := context.Background()

	gate.RecordUsageEvent(ctx, "org-1", EventNDVICheck, 29)
	used, err := gate.MonthlyUsage(ctx, "org-1", EventNDVICheck)
	if err != nil || used != 29 {
		t.Fatalf("expected 29 units, got %d err=%v", used, err)
	}
	if allowed, _ := gate.WithinPlanLimit(ctx, "org-1", EventNDVICheck); !allowed {
		t.Fatalf("expected one more check to be allowed")
	}
	gate.RecordUsageEvent(ctx, "org-1", EventNDVICheck, 1)
	if allowed, _ := gate.WithinPlanLimit(ctx, "org-1", EventNDVICheck); allowed {
		t.Fatalf("expected ceiling of 30 to deny")
	}
}

func TestUnknownPlanFallsBackToFree(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(t, db, now, staticResolver{"org-1": "legacy-gold"})
	ctx := context.Background()

	gate.RecordUsageEvent(ctx, "org-1", EventMonthlyReport, 1)
	if allowed, err := gate.WithinPlanLimit(ctx, "org-1", EventMonthlyReport); err != nil || allowed {
		t.Fatalf("expected free ceiling for unknown plan, got allowed=%v err=%v", allowed, err)
	}
}

func TestEnterpriseIsUnlimited(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(t, db, now, staticResolver{"org-1": "enterprise"})
	ctx := context.Background()

	gate.RecordUsageEvent(ctx, "org-1", EventNDVICheck, 10_000)
	if allowed, err := gate.WithinPlanLimit(ctx, "org-1", EventNDVICheck); err != nil || !allowed {
		t.Fatalf("expected enterprise to be unlimited, got allowed=%v err=%v", allowed, err)
	}
}

func TestDisabledGateAlwaysAdmits(t *testing.T) {
	db := openTestDatabase(t)
	gate, err := NewGate(GateConfig{Database: db, Resolver: failingResolver{}, Disabled: true})
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	if allowed, err := gate.WithinPlanLimit(context.Background(), "org-1", EventNDVICheck); err != nil || !allowed {
		t.Fatalf("expected disabled gate to admit, got allowed=%v err=%v", allowed, err)
	}
}

func TestResolverFailureIsReturned(t *testing.T) {
	db := openTestDatabase(t)
	gate := newTestGate(t, db, time.Now(), failingResolver{})

	_, err := gate.WithinPlanLimit(context.Background(), "org-1", EventNDVICheck)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "quota.within_plan_limit.plan_lookup_failed" {
		t.Fatalf("expected plan lookup error, got %v", err)
	}
}

func TestRecordUsageEventSwallowsWriteFailures(t *testing.T) {
	db := openTestDatabase(t)
	core, logs := observer.New(zapcore.WarnLevel)
	gate, err := NewGate(GateConfig{Database: db, Resolver: staticResolver{}, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	if err := db.Migrator().DropTable(&UsageEvent{}); err != nil {
		t.Fatalf("drop failed: %v", err)
	}

	gate.RecordUsageEvent(context.Background(), "org-1", EventNDVICheck, 1)

	if logs.FilterMessage("usage event write failed").Len() != 1 {
		t.Fatalf("expected write failure to be logged, got %v", logs.All())
	}
}

func TestReserveStopsAtCeilingUnderContention(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(t, db, now, staticResolver{"org-1": "free"})
	ctx := context.Background()
	gate.RecordUsageEvent(ctx, "org-1", EventNDVICheck, 28)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := gate.Reserve(ctx, "org-1", EventNDVICheck)
			if err != nil {
				t.Errorf("reserve failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 2 {
		t.Fatalf("expected exactly two reservations to fit, got %d", granted)
	}
	used, err := gate.MonthlyUsage(ctx, "org-1", EventNDVICheck)
	if err != nil || used != 30 {
		t.Fatalf("expected usage to stop at 30, got %d err=%v", used, err)
	}
}

func TestReleaseReturnsTheUnit(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(t, db, now, staticResolver{"org-1": "free"})
	ctx := context.Background()

	reservation, ok, err := gate.Reserve(ctx, "org-1", EventMonthlyReport)
	if err != nil || !ok {
		t.Fatalf("expected the first report to fit, got ok=%v err=%v", ok, err)
	}
	if _, ok, _ := gate.Reserve(ctx, "org-1", EventMonthlyReport); ok {
		t.Fatalf("expected the free plan to hold a single report")
	}

	gate.Release(ctx, reservation)
	gate.Release(ctx, Reservation{})
	if used, _ := gate.MonthlyUsage(ctx, "org-1", EventMonthlyReport); used != 0 {
		t.Fatalf("expected the released unit to be gone, got %d", used)
	}
	if _, ok, err := gate.Reserve(ctx, "org-1", EventMonthlyReport); err != nil || !ok {
		t.Fatalf("expected headroom after release, got ok=%v err=%v", ok, err)
	}
}

func TestReserveUnlimitedAndFailingPlans(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	enterprise := newTestGate(t, db, now, staticResolver{"org-1": "enterprise"})
	enterprise.RecordUsageEvent(ctx, "org-1", EventNDVICheck, 10_000)
	if _, ok, err := enterprise.Reserve(ctx, "org-1", EventNDVICheck); err != nil || !ok {
		t.Fatalf("expected enterprise reservation, got ok=%v err=%v", ok, err)
	}
	if used, _ := enterprise.MonthlyUsage(ctx, "org-1", EventNDVICheck); used != 10_001 {
		t.Fatalf("expected the unlimited reservation to be recorded, got %d", used)
	}

	failing := newTestGate(t, db, now, failingResolver{})
	_, ok, err := failing.Reserve(ctx, "org-1", EventNDVICheck)
	var serviceErr *ServiceError
	if ok || !errors.As(err, &serviceErr) || serviceErr.Code() != "quota.reserve.plan_lookup_failed" {
		t.Fatalf("expected plan lookup error, got ok=%v err=%v", ok, err)
	}
}

func TestMonthStart(t *testing.T) {
	local := time.FixedZone("UTC+3", 3*60*60)
	got := MonthStart(time.Date(2026, 4, 1, 1, 0, 0, 0, local))
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
