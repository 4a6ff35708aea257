package reports

import (
	"fmt"
	"strconv"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/row"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// Content is the data printed on a monthly report.
type Content struct {
	OrganizationName string
	OrgID            string
	Month            string
	Source           string
	Sample           int
	GeneratedAt      time.Time
}

// Payload is the JSON summary stored with the report row.
type Payload struct {
	Source string `json:"source"`
	Sample int    `json:"sample"`
}

// Renderer produces the PDF artifact for a report.
type Renderer interface {
	Render(content Content) ([]byte, error)
}

// PDFRenderer lays reports out with maroto.
type PDFRenderer struct{}

func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{}
}

func (PDFRenderer) Render(content Content) ([]byte, error) {
	title := fmt.Sprintf("Water productivity report %s", content.Month)
	cfg := config.NewBuilder().
		WithTitle(title, true).
		WithCreationDate(content.GeneratedAt.UTC()).
		Build()

	document := maroto.New(cfg)
	document.AddRows(
		text.NewRow(14, title, props.Text{Size: 16, Style: fontstyle.Bold, Align: align.Center}),
		text.NewRow(8, organizationLabel(content), props.Text{Size: 11, Align: align.Center}),
	)
	document.AddRows(
		detailRow("Data source", content.Source),
		detailRow("Catalog mosaic sets", strconv.Itoa(content.Sample)),
		detailRow("Generated at", content.GeneratedAt.UTC().Format(time.RFC3339)),
	)

	generated, err := document.Generate()
	if err != nil {
		return nil, fmt.Errorf("reports: render pdf: %w", err)
	}
	return generated.GetBytes(), nil
}

func organizationLabel(content Content) string {
	if content.OrganizationName == "" {
		return content.OrgID
	}
	return content.OrganizationName
}

func detailRow(label, value string) core.Row {
	return row.New(8).Add(
		text.NewCol(5, label, props.Text{Style: fontstyle.Bold}),
		text.NewCol(7, value),
	)
}
