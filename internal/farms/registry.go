// Package farms reads the organization, farm and field registry.
package farms

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultListLimit bounds batch enumeration.
const DefaultListLimit = 1000

var (
	// ErrFieldNotFound indicates the requested field does not exist.
	ErrFieldNotFound = errors.New("farms: field not found")
	// ErrOrganizationNotFound indicates the requested organization does not exist.
	ErrOrganizationNotFound = errors.New("farms: organization not found")

	errMissingDatabase = errors.New("database handle is required")
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
	opRegistryNew        = "farms.registry.new"
	opListFields         = "farms.list_fields"
	opFindField          = "farms.find_field"
	opOrganizationOf     = "farms.organization_of"
	opListOrganizations  = "farms.list_organizations"
	opFindOrganization   = "farms.find_organization"
	opPlanFor            = "farms.plan_for"
	opCountRegistryItems = "farms.counts"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type RegistryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Registry is the read-only view of organizations, farms and fields.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRegistryNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{db: cfg.Database, logger: logger}, nil
}

// ListFields returns up to limit fields ordered by id.
func (r *Registry) ListFields(ctx context.Context, limit int) ([]Field, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var fields []Field
	if err := r.db.WithContext(ctx).Order("id ASC").Limit(limit).Find(&fields).Error; err != nil {
		r.logError(opListFields, "query_failed", err)
		return nil, newServiceError(opListFields, "query_failed", err)
	}
	return fields, nil
}

func (r *Registry) FindField(ctx context.Context, fieldID string) (Field, error) {
	var field Field
	err := r.db.WithContext(ctx).Where("id = ?", fieldID).Take(&field).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Field{}, ErrFieldNotFound
	}
	if err != nil {
		r.logError(opFindField, "query_failed", err, zap.String("field_id", fieldID))
		return Field{}, newServiceError(opFindField, "query_failed", err)
	}
	return field, nil
}

// OrganizationOf resolves the organization owning field through its farm. ok
// is false when the farm is missing or unassigned.
func (r *Registry) OrganizationOf(ctx context.Context, field Field) (string, bool, error) {
	var farm Farm
	err := r.db.WithContext(ctx).Select("id", "org_id").Where("id = ?", field.FarmID).Take(&farm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		r.logError(opOrganizationOf, "query_failed", err, zap.String("field_id", field.ID))
		return "", false, newServiceError(opOrganizationOf, "query_failed", err)
	}
	if farm.OrgID == "" {
		return "", false, nil
	}
	return farm.OrgID, true, nil
}

// ListOrganizations returns up to limit organizations ordered by id.
func (r *Registry) ListOrganizations(ctx context.Context, limit int) ([]Organization, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var organizations []Organization
	if err := r.db.WithContext(ctx).Order("id ASC").Limit(limit).Find(&organizations).Error; err != nil {
		r.logError(opListOrganizations, "query_failed", err)
		return nil, newServiceError(opListOrganizations, "query_failed", err)
	}
	return organizations, nil
}

func (r *Registry) FindOrganization(ctx context.Context, orgID string) (Organization, error) {
	var organization Organization
	err := r.db.WithContext(ctx).Where("id = ?", orgID).Take(&organization).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Organization{}, ErrOrganizationNotFound
	}
	if err != nil {
		r.logError(opFindOrganization, "query_failed", err, zap.String("org_id", orgID))
		return Organization{}, newServiceError(opFindOrganization, "query_failed", err)
	}
	return organization, nil
}

// PlanFor returns the plan of orgID, or an empty string when the organization
// is unknown.
func (r *Registry) PlanFor(ctx context.Context, orgID string) (string, error) {
	organization, err := r.FindOrganization(ctx, orgID)
	if errors.Is(err, ErrOrganizationNotFound) {
		return "", nil
	}
	if err != nil {
		return "", newServiceError(opPlanFor, "lookup_failed", err)
	}
	return string(organization.Plan), nil
}

// Counts holds registry sizes for the health report.
type Counts struct {
	Organizations int64
	Fields        int64
}

func (r *Registry) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	db := r.db.WithContext(ctx)
	if err := db.Model(&Organization{}).Count(&counts.Organizations).Error; err != nil {
		r.logError(opCountRegistryItems, "organizations_failed", err)
		return Counts{}, newServiceError(opCountRegistryItems, "organizations_failed", err)
	}
	if err := db.Model(&Field{}).Count(&counts.Fields).Error; err != nil {
		r.logError(opCountRegistryItems, "fields_failed", err)
		return Counts{}, newServiceError(opCountRegistryItems, "fields_failed", err)
	}
	return counts, nil
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("farm registry operation failed", attrs...)
}
