package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/artifacts"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/health"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/jobs"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/reports"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorInvalidJSONBody   = "invalid_json_body"
	errorInvalidRequest    = "invalid_request"
	errorUnauthorized      = "unauthorized"
	errorNotFound          = "not_found"
	errorWeatherJobFailed  = "weather_job_failed"
	errorNDVIJobFailed     = "ndvi_job_failed"
	errorReportJobFailed   = "report_job_failed"
	errorHealthCheckFailed = "health_check_failed"
	errorArtifactFailed    = "artifact_unavailable"

	modeBatch = "batch"
)

var (
	errMissingWeatherJob  = errors.New("weather job dependency required")
	errMissingNDVIJob     = errors.New("ndvi job dependency required")
	errMissingReportJob   = errors.New("report job dependency required")
	errMissingHealth      = errors.New("health reporter dependency required")
	errMissingShares      = errors.New("report share resolver dependency required")
	errMissingArtifacts   = errors.New("artifact opener dependency required")
	errMissingTokenVerify = errors.New("service token validator dependency required")
)

type WeatherRunner interface {
	Run(ctx context.Context, request jobs.WeatherRequest) (jobs.Summary, error)
}

type NDVIRunner interface {
	Run(ctx context.Context, request jobs.NDVIRequest) (jobs.Summary, error)
}

type ReportRunner interface {
	Run(ctx context.Context, request jobs.ReportRequest) (jobs.Summary, error)
}

type HealthReporter interface {
	Report(ctx context.Context) (health.Report, error)
}

type ShareResolver interface {
	FindByToken(ctx context.Context, token string) (reports.Report, error)
}

type ArtifactOpener interface {
	Open(ctx context.Context, artifactPath string) (io.ReadCloser, error)
}

// TokenValidator checks the service bearer token of a request.
type TokenValidator interface {
	ValidateRequest(r *http.Request) error
}

type Dependencies struct {
	WeatherJob WeatherRunner
	NDVIJob    NDVIRunner
	ReportJob  ReportRunner
	Health     HealthReporter
	Shares     ShareResolver
	Artifacts  ArtifactOpener
	Tokens     TokenValidator
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.WeatherJob == nil:
		return nil, errMissingWeatherJob
	case deps.NDVIJob == nil:
		return nil, errMissingNDVIJob
	case deps.ReportJob == nil:
		return nil, errMissingReportJob
	case deps.Health == nil:
		return nil, errMissingHealth
	case deps.Shares == nil:
		return nil, errMissingShares
	case deps.Artifacts == nil:
		return nil, errMissingArtifacts
	case deps.Tokens == nil:
		return nil, errMissingTokenVerify
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		weather:   deps.WeatherJob,
		ndvi:      deps.NDVIJob,
		reports:   deps.ReportJob,
		health:    deps.Health,
		shares:    deps.Shares,
		artifacts: deps.Artifacts,
		tokens:    deps.Tokens,
		logger:    logger.Named("server"),
	}

	router.GET("/healthz", handler.handleLiveness)
	router.GET("/r/:token", handler.handleShare)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/jobs/weather", handler.handleWeatherJob)
	protected.POST("/jobs/ndvi", handler.handleNDVIJob)
	protected.POST("/jobs/reports", handler.handleReportJob)
	protected.GET("/health", handler.handleHealth)
	if deps.Metrics != nil {
		protected.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Client-Info"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	weather   WeatherRunner
	ndvi      NDVIRunner
	reports   ReportRunner
	health    HealthReporter
	shares    ShareResolver
	artifacts ArtifactOpener
	tokens    TokenValidator
	logger    *zap.Logger
}

type weatherRequestPayload struct {
	Mode    string   `json:"mode"`
	FieldID string   `json:"field_id"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Date    string   `json:"date"`
}

type ndviRequestPayload struct {
	Mode      string `json:"mode"`
	FieldID   string `json:"field_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type reportRequestPayload struct {
	Mode  string `json:"mode"`
	OrgID string `json:"org_id"`
	Month string `json:"month"`
}

func (h *httpHandler) handleWeatherJob(c *gin.Context) {
	var request weatherRequestPayload
	if !bindJSON(c, &request) {
		return
	}
	summary, err := h.weather.Run(c.Request.Context(), jobs.WeatherRequest{
		Mode:    parseMode(request.Mode),
		FieldID: request.FieldID,
		Lat:     request.Lat,
		Lng:     request.Lng,
		Date:    request.Date,
	})
	h.respondSummary(c, jobs.JobWeather, errorWeatherJobFailed, summary, err)
}

func (h *httpHandler) handleNDVIJob(c *gin.Context) {
	var request ndviRequestPayload
	if !bindJSON(c, &request) {
		return
	}
	summary, err := h.ndvi.Run(c.Request.Context(), jobs.NDVIRequest{
		Mode:      parseMode(request.Mode),
		FieldID:   request.FieldID,
		StartDate: request.StartDate,
		EndDate:   request.EndDate,
	})
	h.respondSummary(c, jobs.JobNDVI, errorNDVIJobFailed, summary, err)
}

func (h *httpHandler) handleReportJob(c *gin.Context) {
	var request reportRequestPayload
	if !bindJSON(c, &request) {
		return
	}
	summary, err := h.reports.Run(c.Request.Context(), jobs.ReportRequest{
		Mode:  parseMode(request.Mode),
		OrgID: request.OrgID,
		Month: request.Month,
	})
	h.respondSummary(c, jobs.JobReports, errorReportJobFailed, summary, err)
}

func (h *httpHandler) respondSummary(c *gin.Context, job, failureCode string, summary jobs.Summary, err error) {
	if errors.Is(err, jobs.ErrInvalidRequest) {
		h.logger.Info("job request rejected", zap.String("job", job), zap.Error(err))
		c.JSON(http.StatusBadRequest, errorBody(errorInvalidRequest))
		return
	}
	if err != nil {
		h.logger.Error("job invocation failed", zap.String("job", job), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody(failureCode))
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	report, err := h.health.Report(c.Request.Context())
	if err != nil {
		h.logger.Error("health aggregation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody(errorHealthCheckFailed))
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleShare streams the artifact behind a public report token.
func (h *httpHandler) handleShare(c *gin.Context) {
	report, err := h.shares.FindByToken(c.Request.Context(), c.Param("token"))
	if errors.Is(err, reports.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody(errorNotFound))
		return
	}
	if err != nil {
		h.logger.Error("share lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody(errorArtifactFailed))
		return
	}

	artifact, err := h.artifacts.Open(c.Request.Context(), report.ArtifactPath)
	if errors.Is(err, artifacts.ErrNotFound) || errors.Is(err, artifacts.ErrInvalidPath) {
		c.JSON(http.StatusNotFound, errorBody(errorNotFound))
		return
	}
	if err != nil {
		h.logger.Error("artifact open failed", zap.String("report_id", report.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody(errorArtifactFailed))
		return
	}
	defer artifact.Close()

	c.DataFromReader(http.StatusOK, -1, "application/pdf", artifact, map[string]string{
		"Content-Disposition": `inline; filename="` + report.Month + `.pdf"`,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if err := h.tokens.ValidateRequest(c.Request); err != nil {
		if !errors.Is(err, auth.ErrMissingServiceToken) {
			h.logger.Warn("service token rejected", zap.String("path", c.FullPath()), zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(errorUnauthorized))
		return
	}
	c.Next()
}

func bindJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(errorInvalidJSONBody))
		return false
	}
	return true
}

// parseMode treats anything but "batch" as a single-target request.
func parseMode(value string) jobs.Mode {
	if value == modeBatch {
		return jobs.ModeBatch
	}
	return jobs.ModeSingle
}

func errorBody(code string) gin.H {
	return gin.H{"ok": false, "error": code}
}
