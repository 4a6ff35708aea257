package farms

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openRegistry(t *testing.T) (*Registry, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "farms.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate registry schema: %v", err)
	}
	registry, err := NewRegistry(RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return registry, db
}

func seedRegistry(t *testing.T, db *gorm.DB) {
	t.Helper()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []any{
		&Organization{ID: "org-a", Name: "Delta Growers", Plan: PlanPro, CreatedAt: created},
		&Organization{ID: "org-b", Name: "Oasis Farms", Plan: PlanFree, CreatedAt: created},
		&Farm{ID: "farm-1", OrgID: "org-a", Name: "North", CreatedAt: created},
		&Farm{ID: "farm-2", Name: "Unassigned", CreatedAt: created},
		&Field{ID: "field-b", FarmID: "farm-1", Name: "B", CentroidLat: 30.1, CentroidLng: 31.2, CreatedAt: created},
		&Field{ID: "field-a", FarmID: "farm-1", Name: "A", CentroidLat: 30.0, CentroidLng: 31.1, CreatedAt: created},
		&Field{ID: "field-c", FarmID: "farm-2", Name: "C", CreatedAt: created},
	}
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("failed to seed %T: %v", row, err)
		}
	}
}

func TestNewRegistryRequiresDatabase(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "farms.registry.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestListFieldsOrdersAndLimits(t *testing.T) {
	registry, db := openRegistry(t)
	seedRegistry(t, db)

	fields, err := registry.ListFields(context.Background(), 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(fields) != 2 || fields[0].ID != "field-a" || fields[1].ID != "field-b" {
		t.Fatalf("unexpected fields %+v", fields)
	}
}

func TestOrganizationOfResolvesThroughFarm(t *testing.T) {
	registry, db := openRegistry(t)
	seedRegistry(t, db)
	ctx := context.Background()

	orgID, ok, err := registry.OrganizationOf(ctx, Field{ID: "field-a", FarmID: "farm-1"})
	if err != nil || !ok || orgID != "org-a" {
		t.Fatalf("expected org-a, got %q ok=%v err=%v", orgID, ok, err)
	}
	if _, ok, err := registry.OrganizationOf(ctx, Field{ID: "field-c", FarmID: "farm-2"}); err != nil || ok {
		t.Fatalf("expected unassigned farm to resolve no organization, ok=%v err=%v", ok, err)
	}
	if _, ok, err := registry.OrganizationOf(ctx, Field{ID: "ghost", FarmID: "missing"}); err != nil || ok {
		t.Fatalf("expected missing farm to resolve no organization, ok=%v err=%v", ok, err)
	}
}

func TestFindFieldAndOrganization(t *testing.T) {
	registry, db := openRegistry(t)
	seedRegistry(t, db)
	ctx := context.Background()

	if _, err := registry.FindField(ctx, "nope"); !errors.Is(err, ErrFieldNotFound) {
		t.Fatalf("expected ErrFieldNotFound, got %v", err)
	}
	field, err := registry.FindField(ctx, "field-b")
	if err != nil || field.CentroidLat != 30.1 {
		t.Fatalf("unexpected field %+v err=%v", field, err)
	}
	if _, err := registry.FindOrganization(ctx, "nope"); !errors.Is(err, ErrOrganizationNotFound) {
		t.Fatalf("expected ErrOrganizationNotFound, got %v", err)
	}
}

func TestPlanFor(t *testing.T) {
	registry, db := openRegistry(t)
	seedRegistry(t, db)
	ctx := context.Background()

	plan, err := registry.PlanFor(ctx, "org-a")
	if err != nil || plan != "pro" {
		t.Fatalf("expected pro plan, got %q err=%v", plan, err)
	}
	plan, err = registry.PlanFor(ctx, "unknown")
	if err != nil || plan != "" {
		t.Fatalf("expected empty plan for unknown org, got %q err=%v", plan, err)
	}
}

func TestCounts(t *testing.T) {
	registry, db := openRegistry(t)
	seedRegistry(t, db)

	counts, err := registry.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts.Organizations != 2 || counts.Fields != 3 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}
