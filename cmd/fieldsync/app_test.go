package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/config"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/database"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/farms"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/jobruns"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/jobs"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/observations"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/reports"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	integrationSecret = "integration-secret"
	failingLatitude   = "31"
)

var integrationNow = time.Date(2026, 6, 10, 6, 0, 0, 0, time.UTC)

type providerStub struct {
	server       *httptest.Server
	weatherCalls atomic.Int32
	catalogCalls atomic.Int32
}

func newProviderStub(t *testing.T) *providerStub {
	t.Helper()
	stub := &providerStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/power", func(w http.ResponseWriter, r *http.Request) {
		stub.weatherCalls.Add(1)
		if r.URL.Query().Get("latitude") == failingLatitude {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		day := r.URL.Query().Get("start")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"properties":{"parameter":{"T2M":{%q:39.5},"WS2M":{%q:2},"RH2M":{%q:35},"PRECTOTCORR":{%q:0}}}}`, day, day, day, day)
	})
	mux.HandleFunc("/wapor/catalog/workspaces/WAPOR-3/mosaicsets", func(w http.ResponseWriter, r *http.Request) {
		stub.catalogCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"response":[{"code":"L1-AETI-D"},{"code":"L1-NPP-D"},{"code":"L2-AETI-D"}]}`)
	})
	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)
	return stub
}

type integrationFixture struct {
	app     *application
	db      *gorm.DB
	handler http.Handler
	stub    *providerStub
}

func newIntegrationFixture(t *testing.T) *integrationFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "fieldsync.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	stub := newProviderStub(t)
	cfg, err := config.Load(config.NewViper())
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.ServiceSecret = integrationSecret
	cfg.ArtifactsRoot = t.TempDir()
	cfg.ArtifactsBaseURL = "https://files.example.test"
	cfg.NASAPower.BaseURL = stub.server.URL + "/power"
	cfg.WaPOR.BaseURL = stub.server.URL + "/wapor"

	app, err := newApplication(context.Background(), cfg, zap.NewNop(), appOptions{
		Clock:      func() time.Time { return integrationNow },
		HTTPClient: stub.server.Client(),
		Sleep:      func(context.Context, time.Duration) error { return nil },
		DB:         db,
	})
	if err != nil {
		t.Fatalf("failed to wire application: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	handler, err := app.httpHandler()
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	seed := []any{
		&farms.Organization{ID: "org-1", Name: "Nile Delta Growers", Plan: farms.PlanFree, CreatedAt: integrationNow},
		&farms.Farm{ID: "farm-1", OrgID: "org-1", Name: "North", CreatedAt: integrationNow},
		&farms.Field{ID: "field-a", FarmID: "farm-1", Name: "A", CentroidLat: 30, CentroidLng: 31.2, CreatedAt: integrationNow},
		&farms.Field{ID: "field-b", FarmID: "farm-1", Name: "B", CentroidLat: 31, CentroidLng: 31.2, CreatedAt: integrationNow},
	}
	for _, row := range seed {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("failed to seed %T: %v", row, err)
		}
	}

	return &integrationFixture{app: app, db: db, handler: handler, stub: stub}
}

func (f *integrationFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+integrationSecret)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestWeatherBatchToleratesFailingField(t *testing.T) {
	f := newIntegrationFixture(t)

	recorder := f.do(t, http.MethodPost, "/jobs/weather", `{"mode":"batch"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var summary jobs.Summary
	if err := json.Unmarshal(recorder.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if !summary.OK || summary.Processed != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if calls := f.stub.weatherCalls.Load(); calls != 4 {
		t.Fatalf("expected one call for field-a and three for field-b, got %d", calls)
	}

	var runs []jobruns.JobRun
	if err := f.db.Where("job_name = ?", jobs.JobWeather).Find(&runs).Error; err != nil {
		t.Fatalf("failed to read job runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != jobruns.StatusSuccess {
		t.Fatalf("expected one successful job run, got %+v", runs)
	}

	var snapshots []observations.WeatherSnapshot
	if err := f.db.Find(&snapshots).Error; err != nil {
		t.Fatalf("failed to read snapshots: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].FieldID != "field-a" {
		t.Fatalf("expected a snapshot for field-a only, got %+v", snapshots)
	}
	var recommendations []observations.IrrigationRecommendation
	if err := f.db.Find(&recommendations).Error; err != nil {
		t.Fatalf("failed to read recommendations: %v", err)
	}
	if len(recommendations) != 1 || recommendations[0].FieldID != "field-a" {
		t.Fatalf("expected a recommendation for field-a only, got %+v", recommendations)
	}
	var alerts []observations.Alert
	if err := f.db.Find(&alerts).Error; err != nil {
		t.Fatalf("failed to read alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Type != "heat" || alerts[0].Severity != 4 {
		t.Fatalf("expected one heat alert, got %+v", alerts)
	}

	second := f.do(t, http.MethodPost, "/jobs/weather", `{"mode":"batch"}`)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on rerun, got %d", second.Code)
	}
	if calls := f.stub.weatherCalls.Load(); calls != 7 {
		t.Fatalf("expected field-a to be served from cache on rerun, got %d calls", calls)
	}
}

func TestMonthlyReportIsSharedByToken(t *testing.T) {
	f := newIntegrationFixture(t)

	recorder := f.do(t, http.MethodPost, "/jobs/reports", `{"org_id":"org-1","month":"2026-05"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var summary jobs.Summary
	if err := json.Unmarshal(recorder.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.Month != "2026-05-01" || summary.Processed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	var report reports.Report
	if err := f.db.Where("org_id = ?", "org-1").Take(&report).Error; err != nil {
		t.Fatalf("failed to read report: %v", err)
	}
	if len(report.PublicToken) != 32 {
		t.Fatalf("expected a 32 character share token, got %q", report.PublicToken)
	}
	if report.ArtifactURL != "https://files.example.test/reports/org-1/2026-05-01.pdf" {
		t.Fatalf("unexpected artifact url %q", report.ArtifactURL)
	}
	if !strings.Contains(report.Payload, `"sample":3`) {
		t.Fatalf("unexpected payload %q", report.Payload)
	}

	shared := httptest.NewRecorder()
	f.handler.ServeHTTP(shared, httptest.NewRequest(http.MethodGet, "/r/"+report.PublicToken, http.NoBody))
	if shared.Code != http.StatusOK {
		t.Fatalf("expected shared artifact, got %d", shared.Code)
	}
	if !bytes.HasPrefix(shared.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("expected a pdf body")
	}

	regenerated := f.do(t, http.MethodPost, "/jobs/reports", `{"org_id":"org-1","month":"2026-05"}`)
	if err := json.Unmarshal(regenerated.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.Processed != 1 || summary.SkippedByPlan != 0 {
		t.Fatalf("expected the existing report to be regenerated, got %+v", summary)
	}
	var refreshed reports.Report
	if err := f.db.Where("org_id = ?", "org-1").Take(&refreshed).Error; err != nil {
		t.Fatalf("failed to reread report: %v", err)
	}
	if refreshed.PublicToken != report.PublicToken {
		t.Fatalf("expected the share token to survive regeneration")
	}

	limited := f.do(t, http.MethodPost, "/jobs/reports", `{"org_id":"org-1","month":"2026-04"}`)
	if err := json.Unmarshal(limited.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.SkippedByPlan != 1 || summary.Processed != 0 {
		t.Fatalf("expected the free plan to allow one new report per month, got %+v", summary)
	}
}

func TestHealthReflectsSyncState(t *testing.T) {
	f := newIntegrationFixture(t)
	f.do(t, http.MethodPost, "/jobs/weather", `{"mode":"batch"}`)

	recorder := f.do(t, http.MethodGet, "/health", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body struct {
		Status string `json:"status"`
		Counts struct {
			Organizations int64 `json:"organizations"`
			Fields        int64 `json:"fields"`
		} `json:"counts"`
		Indicators struct {
			WeatherFreshnessHours *float64         `json:"weather_freshness_hours"`
			NDVIFreshnessHours    *float64         `json:"ndvi_freshness_hours"`
			CacheTTL              map[string]int64 `json:"cache_ttl_left_by_provider"`
		} `json:"indicators"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("expected degraded without ndvi data, got %q", body.Status)
	}
	if body.Counts.Organizations != 1 || body.Counts.Fields != 2 {
		t.Fatalf("unexpected counts %+v", body.Counts)
	}
	if body.Indicators.WeatherFreshnessHours == nil || *body.Indicators.WeatherFreshnessHours != 0 {
		t.Fatalf("expected fresh weather, got %v", body.Indicators.WeatherFreshnessHours)
	}
	if body.Indicators.NDVIFreshnessHours != nil {
		t.Fatalf("expected no ndvi freshness, got %v", *body.Indicators.NDVIFreshnessHours)
	}
	if body.Indicators.CacheTTL["NASA_POWER"] != int64((24 * time.Hour).Seconds()) {
		t.Fatalf("unexpected cache ttl %+v", body.Indicators.CacheTTL)
	}
}

func TestSchedulerTasksCoverEveryJob(t *testing.T) {
	f := newIntegrationFixture(t)
	tasks := f.app.schedulerTasks()
	names := make([]string, 0, len(tasks))
	for _, task := range tasks {
		names = append(names, task.Name)
	}
	want := []string{jobs.JobWeather, jobs.JobNDVI, jobs.JobReports}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected tasks %v", names)
	}
	if err := tasks[1].Run(context.Background()); err != nil {
		t.Fatalf("ndvi batch failed: %v", err)
	}
	var count int64
	if err := f.db.Model(&observations.NDVIObservation{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count ndvi rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected synthetic ndvi rows for both fields, got %d", count)
	}
}
