package jobs

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/cache"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/farms"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/jobruns"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/observations"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/quota"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/reports"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/upstream"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 6, 10, 5, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func noSleep(context.Context, time.Duration) error { return nil }

type harness struct {
	db           *gorm.DB
	registry     *farms.Registry
	observations *observations.Repository
	cache        *cache.Service
	gate         *quota.Gate
	recorder     *jobruns.Recorder
	reports      *reports.Repository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "jobs.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append(farms.Models(), observations.Models()...)
	models = append(models, &cache.Entry{}, &quota.UsageEvent{}, &reports.Report{}, &jobruns.JobRun{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	registry, err := farms.NewRegistry(farms.RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	repository, err := observations.NewRepository(observations.RepositoryConfig{Database: db, Clock: fixedClock})
	if err != nil {
		t.Fatalf("observations: %v", err)
	}
	cacheService, err := cache.NewService(cache.ServiceConfig{Store: cache.NewGormStore(db), Clock: fixedClock})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	gate, err := quota.NewGate(quota.GateConfig{Database: db, Resolver: registry, Clock: fixedClock})
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	recorder, err := jobruns.NewRecorder(jobruns.RecorderConfig{Database: db, Clock: fixedClock})
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	reportRepository, err := reports.NewRepository(reports.RepositoryConfig{Database: db, Clock: fixedClock})
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	return &harness{
		db:           db,
		registry:     registry,
		observations: repository,
		cache:        cacheService,
		gate:         gate,
		recorder:     recorder,
		reports:      reportRepository,
	}
}

func (h *harness) runnerConfig() RunnerConfig {
	return RunnerConfig{Recorder: h.recorder, Clock: fixedClock}
}

func (h *harness) seed(t *testing.T, rows ...any) {
	t.Helper()
	for _, row := range rows {
		if err := h.db.Create(row).Error; err != nil {
			t.Fatalf("failed to seed %T: %v", row, err)
		}
	}
}

func (h *harness) runs(t *testing.T) []jobruns.JobRun {
	t.Helper()
	runs, err := h.recorder.Recent(context.Background(), 100)
	if err != nil {
		t.Fatalf("failed to read runs: %v", err)
	}
	return runs
}

func organization(id string, plan farms.Plan) *farms.Organization {
	return &farms.Organization{ID: id, Name: "Org " + id, Plan: plan, CreatedAt: testNow}
}

func farm(id, orgID string) *farms.Farm {
	return &farms.Farm{ID: id, OrgID: orgID, Name: "Farm " + id, CreatedAt: testNow}
}

func field(id, farmID string, lat, lng float64) *farms.Field {
	return &farms.Field{
		ID:          id,
		FarmID:      farmID,
		Name:        "Field " + id,
		Geometry:    `{"type":"Point","coordinates":[31.2,30.0]}`,
		CentroidLat: lat,
		CentroidLng: lng,
		CreatedAt:   testNow,
	}
}

// nasaServer answers daily point queries with a fixed temperature, failing
// every request whose latitude is in failLatitudes.
type nasaServer struct {
	server        *httptest.Server
	calls         atomic.Int32
	temperature   float64
	failLatitudes map[string]bool
}

func newNASAServer(t *testing.T, temperature float64, failLatitudes ...string) *nasaServer {
	t.Helper()
	stub := &nasaServer{temperature: temperature, failLatitudes: map[string]bool{}}
	for _, latitude := range failLatitudes {
		stub.failLatitudes[latitude] = true
	}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.calls.Add(1)
		if stub.failLatitudes[r.URL.Query().Get("latitude")] {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		day := r.URL.Query().Get("start")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"properties":{"parameter":{"T2M":{%q:%v},"WS2M":{%q:3},"RH2M":{%q:30},"PRECTOTCORR":{%q:0}}}}`,
			day, stub.temperature, day, day, day)
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *nasaServer) client() *upstream.NASAPowerClient {
	return upstream.NewNASAPowerClient(upstream.NASAPowerConfig{
		BaseURL:    s.server.URL,
		Fetcher:    upstream.NewFetcher(upstream.FetcherConfig{Client: s.server.Client(), Sleep: noSleep}),
		Limiter:    ratelimit.New(ratelimit.Config{Clock: fixedClock}),
		MaxRetries: upstream.DefaultMaxRetries,
	})
}

// stubNDVISource serves a fixed raster and counts its calls.
type stubNDVISource struct {
	configured   bool
	samples      []float32
	tokenCalls   atomic.Int32
	processCalls atomic.Int32
	processErr   error
}

func (s *stubNDVISource) Configured() bool { return s.configured }
func (s *stubNDVISource) ClientID() string { return "client-1" }

func (s *stubNDVISource) Token(context.Context) (upstream.AccessToken, error) {
	s.tokenCalls.Add(1)
	return upstream.AccessToken{AccessToken: "token-abc", ExpiresIn: 3600}, nil
}

func (s *stubNDVISource) ProcessNDVI(_ context.Context, accessToken string, _ json.RawMessage, _, _ time.Time) ([]byte, error) {
	s.processCalls.Add(1)
	if accessToken != "token-abc" {
		return nil, errors.New("unexpected access token")
	}
	if s.processErr != nil {
		return nil, s.processErr
	}
	raw := make([]byte, 4*len(s.samples))
	for index, sample := range s.samples {
		binary.LittleEndian.PutUint32(raw[index*4:], math.Float32bits(sample))
	}
	return raw, nil
}

type stubCatalog struct {
	calls   atomic.Int32
	payload string
	err     error
}

func (s *stubCatalog) Mosaicsets(context.Context) ([]byte, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.payload), nil
}

type failingFields struct{}

func (failingFields) ListFields(context.Context, int) ([]farms.Field, error) {
	return nil, errors.New("registry unavailable")
}

func (failingFields) FindField(context.Context, string) (farms.Field, error) {
	return farms.Field{}, farms.ErrFieldNotFound
}

func (failingFields) OrganizationOf(context.Context, farms.Field) (string, bool, error) {
	return "", false, nil
}
