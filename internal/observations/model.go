package observations

import (
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/agronomy"
)

// DateLayout is the calendar-date format of every observation row.
const DateLayout = "2006-01-02"

// WeatherSnapshot keeps the raw upstream payload for a field and day.
type WeatherSnapshot struct {
	FieldID   string    `gorm:"column:field_id;primaryKey;size:64;not null"`
	Date      string    `gorm:"column:date;primaryKey;size:10;not null"`
	Payload   string    `gorm:"column:payload;type:text;not null"`
	FetchedAt time.Time `gorm:"column:fetched_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (WeatherSnapshot) TableName() string {
	return "weather_snapshots_daily"
}

// IrrigationRecommendation is the derived irrigation depth for a field and day.
type IrrigationRecommendation struct {
	FieldID       string    `gorm:"column:field_id;primaryKey;size:64;not null"`
	Date          string    `gorm:"column:date;primaryKey;size:10;not null"`
	ET0Mm         float64   `gorm:"column:et0_mm;not null"`
	RecommendedMm float64   `gorm:"column:recommended_mm;not null"`
	Confidence    float64   `gorm:"column:confidence;not null"`
	Reasoning     string    `gorm:"column:reasoning;size:255;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (IrrigationRecommendation) TableName() string {
	return "irrigation_recommendations_daily"
}

// NDVIObservation is the mean vegetation index of a field for a day.
type NDVIObservation struct {
	FieldID   string    `gorm:"column:field_id;primaryKey;size:64;not null"`
	Date      string    `gorm:"column:date;primaryKey;size:10;not null"`
	NDVIMean  float64   `gorm:"column:ndvi_mean;not null"`
	CloudPct  float64   `gorm:"column:cloud_pct;not null"`
	FetchedAt time.Time `gorm:"column:fetched_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (NDVIObservation) TableName() string {
	return "satellite_ndvi_timeseries"
}

// Alert is an emitted threshold crossing. At most one exists per field, date
// and type.
type Alert struct {
	ID        string             `gorm:"column:id;primaryKey;size:36;not null"`
	FieldID   string             `gorm:"column:field_id;size:64;not null;uniqueIndex:idx_alerts_field_date_type,priority:1"`
	Date      string             `gorm:"column:date;size:10;not null;uniqueIndex:idx_alerts_field_date_type,priority:2"`
	Type      agronomy.AlertType `gorm:"column:type;size:32;not null;uniqueIndex:idx_alerts_field_date_type,priority:3"`
	Severity  int                `gorm:"column:severity;not null"`
	Message   string             `gorm:"column:message;size:255;not null"`
	CreatedAt time.Time          `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Alert) TableName() string {
	return "alerts"
}

// Models lists the observation tables for migration.
func Models() []any {
	return []any{&WeatherSnapshot{}, &IrrigationRecommendation{}, &NDVIObservation{}, &Alert{}}
}
