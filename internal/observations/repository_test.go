package observations

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/agronomy"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func openRepository(t *testing.T) (*Repository, *gorm.DB, *testClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "observations.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate observation schema: %v", err)
	}
	clock := &testClock{now: time.Date(2026, 6, 10, 5, 0, 0, 0, time.UTC)}
	repository, err := NewRepository(RepositoryConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	return repository, db, clock
}

func TestSaveWeatherSnapshotUpsertsPerFieldAndDate(t *testing.T) {
	repository, db, clock := openRepository(t)
	ctx := context.Background()

	if err := repository.SaveWeatherSnapshot(ctx, "field-1", "2026-06-09", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	clock.now = clock.now.Add(time.Hour)
	if err := repository.SaveWeatherSnapshot(ctx, "field-1", "2026-06-09", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	var rows []WeatherSnapshot
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Payload != `{"v":2}` {
		t.Fatalf("expected a single updated snapshot, got %+v", rows)
	}

	latest, err := repository.LatestWeatherFetch(ctx)
	if err != nil || latest == nil || !latest.Equal(clock.now) {
		t.Fatalf("expected latest fetch %v, got %v err=%v", clock.now, latest, err)
	}
}

func TestSaveRecommendationUpserts(t *testing.T) {
	repository, db, _ := openRepository(t)
	ctx := context.Background()

	first := agronomy.Recommend(agronomy.Reading{})
	if err := repository.SaveRecommendation(ctx, "field-1", "2026-06-09", first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	temperature := 35.0
	second := agronomy.Recommend(agronomy.Reading{TemperatureC: &temperature})
	if err := repository.SaveRecommendation(ctx, "field-1", "2026-06-09", second); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	var rows []IrrigationRecommendation
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ET0Mm != second.ET0Mm {
		t.Fatalf("expected one updated recommendation, got %+v", rows)
	}
}

func TestTrailingNDVIExcludesCurrentDate(t *testing.T) {
	repository, _, _ := openRepository(t)
	ctx := context.Background()

	values := map[string]float64{
		"2026-05-01": 0.9,
		"2026-05-08": 0.62,
		"2026-05-15": 0.60,
		"2026-05-22": 0.58,
		"2026-05-29": 0.61,
		"2026-06-05": 0.50,
	}
	for date, value := range values {
		if err := repository.SaveNDVI(ctx, "field-1", date, value, 20); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if err := repository.SaveNDVI(ctx, "field-2", "2026-05-30", 0.1, 20); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	trailing, err := repository.TrailingNDVI(ctx, "field-1", "2026-06-05", agronomy.NDVIWindow())
	if err != nil {
		t.Fatalf("trailing failed: %v", err)
	}
	expected := []float64{0.61, 0.58, 0.60, 0.62}
	if len(trailing) != len(expected) {
		t.Fatalf("expected %d values, got %v", len(expected), trailing)
	}
	for index := range expected {
		if trailing[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, trailing)
		}
	}
	if _, ok := agronomy.DetectNDVIDrop(trailing, values["2026-06-05"]); !ok {
		t.Fatalf("expected trailing baseline to flag the drop")
	}
}

func TestInsertAlertIsIdempotentPerFieldDateType(t *testing.T) {
	repository, _, _ := openRepository(t)
	ctx := context.Background()
	signal, _ := agronomy.DetectHeat(40)

	inserted, err := repository.InsertAlert(ctx, "field-1", "2026-06-09", signal)
	if err != nil || !inserted {
		t.Fatalf("expected first insert, got inserted=%v err=%v", inserted, err)
	}
	inserted, err = repository.InsertAlert(ctx, "field-1", "2026-06-09", signal)
	if err != nil || inserted {
		t.Fatalf("expected duplicate to be ignored, got inserted=%v err=%v", inserted, err)
	}
	drop, _ := agronomy.DetectNDVIDrop([]float64{0.6}, 0.3)
	if inserted, err := repository.InsertAlert(ctx, "field-1", "2026-06-09", drop); err != nil || !inserted {
		t.Fatalf("expected a different type to insert, got inserted=%v err=%v", inserted, err)
	}

	count, err := repository.CountAlerts(ctx)
	if err != nil || count != 2 {
		t.Fatalf("expected two alerts, got %d err=%v", count, err)
	}
}

func TestLatestFetchIsNilWithoutData(t *testing.T) {
	repository, _, _ := openRepository(t)
	ctx := context.Background()

	weather, err := repository.LatestWeatherFetch(ctx)
	if err != nil || weather != nil {
		t.Fatalf("expected nil weather freshness, got %v err=%v", weather, err)
	}
	ndvi, err := repository.LatestNDVIFetch(ctx)
	if err != nil || ndvi != nil {
		t.Fatalf("expected nil ndvi freshness, got %v err=%v", ndvi, err)
	}
}
