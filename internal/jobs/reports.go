package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/cache"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/farms"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/quota"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/reports"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/upstream"
	"go.uber.org/zap"
)

// WaPORTTL is how long the catalog listing is served from cache.
const WaPORTTL = 24 * time.Hour

const pdfContentType = "application/pdf"

// OrganizationSource enumerates and resolves organizations.
type OrganizationSource interface {
	ListOrganizations(ctx context.Context, limit int) ([]farms.Organization, error)
	FindOrganization(ctx context.Context, orgID string) (farms.Organization, error)
}

// CatalogSource lists the WaPOR catalog.
type CatalogSource interface {
	Mosaicsets(ctx context.Context) ([]byte, error)
}

// ArtifactStore uploads rendered reports.
type ArtifactStore interface {
	Upload(ctx context.Context, artifactPath, contentType string, data []byte) error
	PublicURL(artifactPath string) string
}

// ReportStore finds and upserts report rows.
type ReportStore interface {
	Find(ctx context.Context, orgID, month, reportType string) (reports.Report, error)
	Upsert(ctx context.Context, report reports.Report) (reports.Report, error)
}

// ReportRequest selects organizations and the report month. Month accepts
// 2006-01 or any day of the month as 2006-01-02 and defaults to the current month.
type ReportRequest struct {
	Mode  Mode
	OrgID string
	Month string
}

type ReportJobConfig struct {
	RunnerConfig
	Organizations OrganizationSource
	Catalog       CatalogSource
	Quota         QuotaGate
	Cache         PayloadCache
	Renderer      reports.Renderer
	Artifacts     ArtifactStore
	Reports       ReportStore
}

// ReportJob renders and publishes the monthly water-productivity report per organization.
type ReportJob struct {
	runner
	organizations OrganizationSource
	catalog       CatalogSource
	quota         QuotaGate
	cache         PayloadCache
	renderer      reports.Renderer
	artifacts     ArtifactStore
	reports       ReportStore
}

func NewReportJob(cfg ReportJobConfig) (*ReportJob, error) {
	if cfg.Organizations == nil || cfg.Catalog == nil || cfg.Quota == nil || cfg.Cache == nil ||
		cfg.Renderer == nil || cfg.Artifacts == nil || cfg.Reports == nil {
		return nil, fmt.Errorf("%w: report job needs organizations, catalog, quota, cache, renderer, artifacts and reports", errMissingDependency)
	}
	base, err := newRunner(cfg.RunnerConfig, "jobs.reports")
	if err != nil {
		return nil, err
	}
	return &ReportJob{
		runner:        base,
		organizations: cfg.Organizations,
		catalog:       cfg.Catalog,
		quota:         cfg.Quota,
		cache:         cfg.Cache,
		renderer:      cfg.Renderer,
		artifacts:     cfg.Artifacts,
		reports:       cfg.Reports,
	}, nil
}

func (j *ReportJob) Run(ctx context.Context, request ReportRequest) (Summary, error) {
	started := j.now()
	month, err := resolveMonth(request.Month, started)
	if err != nil {
		return Summary{}, j.fail(ctx, JobReports, started, err)
	}

	if request.Mode != ModeBatch {
		if request.OrgID == "" {
			return Summary{}, j.fail(ctx, JobReports, started, fmt.Errorf("%w: org_id is required", ErrInvalidRequest))
		}
		organization, err := j.organizations.FindOrganization(ctx, request.OrgID)
		if errors.Is(err, farms.ErrOrganizationNotFound) {
			organization = farms.Organization{ID: request.OrgID}
		} else if err != nil {
			return Summary{}, j.fail(ctx, JobReports, started, err)
		}
		return j.single(ctx, JobReports, started, j.target(organization, month), Summary{Month: month})
	}

	organizations, err := j.organizations.ListOrganizations(ctx, farms.DefaultListLimit)
	if err != nil {
		return Summary{}, j.fail(ctx, JobReports, started, err)
	}
	targets := make([]target, 0, len(organizations))
	for _, organization := range organizations {
		targets = append(targets, j.target(organization, month))
	}
	summary := j.runTargets(ctx, JobReports, targets)
	summary.Month = month
	return j.finish(ctx, JobReports, started, summary), nil
}

func resolveMonth(raw string, now time.Time) (string, error) {
	if raw == "" {
		return reports.MonthOf(now), nil
	}
	for _, layout := range []string{dateLayout, "2006-01"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return reports.MonthOf(parsed), nil
		}
	}
	return "", fmt.Errorf("%w: month %q", ErrInvalidRequest, raw)
}

func (j *ReportJob) target(organization farms.Organization, month string) target {
	return target{
		id: organization.ID,
		process: func(ctx context.Context) (outcome, error) {
			return j.processOrganization(ctx, organization, month)
		},
	}
}

// processOrganization publishes the report of organization for month. Only the
// first publication of a month is metered; regenerating refreshes the same row.
func (j *ReportJob) processOrganization(ctx context.Context, organization farms.Organization, month string) (outcome, error) {
	_, err := j.reports.Find(ctx, organization.ID, month, reports.TypeWaterProductivity)
	regenerating := err == nil
	if err != nil && !errors.Is(err, reports.ErrNotFound) {
		return outcomeIgnored, err
	}

	var reservation quota.Reservation
	if !regenerating {
		var allowed bool
		reservation, allowed, err = j.quota.Reserve(ctx, organization.ID, quota.EventMonthlyReport)
		if err != nil {
			return outcomeIgnored, err
		}
		if !allowed {
			return outcomeSkippedByPlan, nil
		}
	}

	stored, sample, err := j.publish(ctx, organization, month)
	if err != nil {
		j.quota.Release(context.WithoutCancel(ctx), reservation)
		return outcomeIgnored, err
	}

	j.logger.Debug("organization report published",
		zap.String("org_id", organization.ID),
		zap.String("month", month),
		zap.Int("sample", sample),
		zap.Bool("regenerated", regenerating),
		zap.String("report_id", stored.ID))
	return outcomeProcessed, nil
}

func (j *ReportJob) publish(ctx context.Context, organization farms.Organization, month string) (reports.Report, int, error) {
	cacheKey := cache.Key("wapor:mosaicsets", map[string]string{"month": month})
	catalog, _, err := j.cache.GetOrFetch(ctx, upstream.ProviderWaPOR, cacheKey, WaPORTTL, j.catalog.Mosaicsets)
	if err != nil {
		return reports.Report{}, 0, err
	}
	sample := upstream.ParseWaporMosaicsetCount(catalog)

	document, err := j.renderer.Render(reports.Content{
		OrganizationName: organization.Name,
		OrgID:            organization.ID,
		Month:            month,
		Source:           upstream.WaPORSource,
		Sample:           sample,
		GeneratedAt:      j.now(),
	})
	if err != nil {
		return reports.Report{}, 0, err
	}

	artifactPath := reports.ArtifactPath(organization.ID, month)
	if err := j.artifacts.Upload(ctx, artifactPath, pdfContentType, document); err != nil {
		return reports.Report{}, 0, err
	}

	payload, err := json.Marshal(reports.Payload{Source: upstream.WaPORSource, Sample: sample})
	if err != nil {
		return reports.Report{}, 0, err
	}
	stored, err := j.reports.Upsert(ctx, reports.Report{
		OrgID:        organization.ID,
		Month:        month,
		Type:         reports.TypeWaterProductivity,
		Status:       reports.StatusReady,
		ArtifactURL:  j.artifacts.PublicURL(artifactPath),
		ArtifactPath: artifactPath,
		Payload:      string(payload),
	})
	if err != nil {
		return reports.Report{}, 0, err
	}
	return stored, sample, nil
}
