package reports

import "time"

const (
	// TypeWaterProductivity is the monthly WaPOR water-productivity report.
	TypeWaterProductivity = "wapor_water_productivity"
	// StatusReady marks a report whose artifact has been uploaded.
	StatusReady = "ready"
	// MonthLayout formats the first day of a report month.
	MonthLayout = "2006-01-02"
)

// Report is one monthly artifact per organization and type. PublicToken is
// assigned on first insert and survives regeneration.
type Report struct {
	ID           string    `gorm:"column:id;primaryKey;size:36;not null"`
	OrgID        string    `gorm:"column:org_id;size:64;not null;uniqueIndex:idx_reports_org_month_type,priority:1"`
	Month        string    `gorm:"column:month;size:10;not null;uniqueIndex:idx_reports_org_month_type,priority:2"`
	Type         string    `gorm:"column:type;size:64;not null;uniqueIndex:idx_reports_org_month_type,priority:3"`
	Status       string    `gorm:"column:status;size:32;not null"`
	PublicToken  string    `gorm:"column:public_token;size:32;not null;uniqueIndex"`
	ArtifactURL  string    `gorm:"column:artifact_url;size:1024;not null"`
	ArtifactPath string    `gorm:"column:artifact_path;size:512;not null"`
	Payload      string    `gorm:"column:payload;type:text;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Report) TableName() string {
	return "reports"
}

// MonthOf returns the first day of the UTC month containing t.
func MonthOf(t time.Time) string {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Format(MonthLayout)
}

// ArtifactPath is the storage path of the report for orgID and month.
func ArtifactPath(orgID, month string) string {
	return "reports/" + orgID + "/" + month + ".pdf"
}
