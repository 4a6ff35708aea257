package farms

import "time"

// Plan names a subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Organization owns farms and carries the plan that bounds its quotas.
type Organization struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null"`
	Name      string    `gorm:"column:name;size:255;not null"`
	Plan      Plan      `gorm:"column:plan;size:32;not null;default:free"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Organization) TableName() string {
	return "organizations"
}

// Farm groups fields. OrgID is empty for farms that are not yet assigned.
type Farm struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null"`
	OrgID     string    `gorm:"column:org_id;size:64;index"`
	Name      string    `gorm:"column:name;size:255;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Farm) TableName() string {
	return "farms"
}

// Field is a managed parcel. Geometry is GeoJSON text.
type Field struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null"`
	FarmID      string    `gorm:"column:farm_id;size:64;not null;index"`
	Name        string    `gorm:"column:name;size:255;not null"`
	Geometry    string    `gorm:"column:geometry;type:text;not null;default:''"`
	CentroidLat float64   `gorm:"column:centroid_lat;not null"`
	CentroidLng float64   `gorm:"column:centroid_lng;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Field) TableName() string {
	return "fields"
}

// Models lists the registry tables for migration.
func Models() []any {
	return []any{&Organization{}, &Farm{}, &Field{}}
}
