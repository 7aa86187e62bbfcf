// Package export renders prediction history as XLSX or PDF documents.
package export

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"rockfall/internal/types"
)

// Format is a supported export format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// ParseFormat resolves a query value; empty defaults to XLSX.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatPDF:
		return FormatPDF, nil
	}
	return "", types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidQuery,
		"format must be one of [xlsx pdf]", nil, map[string]any{"field": "format"})
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// FileName returns a timestamped download name.
func (f Format) FileName(at time.Time) string {
	return fmt.Sprintf("rockfall-history-%s.%s", at.UTC().Format("20060102-150405"), f)
}

// Build renders records in the given format.
func Build(f Format, records []*types.PredictionRecord, generated time.Time) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch f {
	case FormatPDF:
		out, err = BuildHistoryPDF(records, generated)
	default:
		out, err = BuildHistoryXLSX(records, generated)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalExport, "failed to build export", err)
	}
	return out, nil
}

var columns = []string{
	"ID", "Created At", "Zone ID", "Zone", "Risk Level", "Risk Code", "Score",
	types.FieldTemperature, types.FieldHumidity, types.FieldWindSpeed, types.FieldRainFlag,
	types.FieldSlopeAngle, types.FieldSlopeHeight, types.FieldPorePressure,
}

func row(rec *types.PredictionRecord) []any {
	in := rec.Input
	return []any{
		rec.ID,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.ZoneID,
		rec.ZoneLabel,
		string(rec.Result.RiskLevel),
		rec.Result.RiskCode,
		rec.Result.Score(),
		in.TemperatureC,
		in.HumidityPct,
		in.WindSpeed,
		in.RainFlag,
		in.SlopeAngleDeg,
		in.SlopeHeightM,
		in.PoreWaterPressureRatio,
	}
}

// BuildHistoryXLSX renders a workbook with a history sheet and a summary
// sheet counting records per risk level.
func BuildHistoryXLSX(records []*types.PredictionRecord, generated time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	historySheet := "history"
	summarySheet := "summary"
	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}

	for c, name := range columns {
		cell, _ := excelize.CoordinatesToCellName(c+1, 1)
		_ = f.SetCellValue(historySheet, cell, name)
	}
	for r, rec := range records {
		for c, v := range row(rec) {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			_ = f.SetCellValue(historySheet, cell, v)
		}
	}

	counts := map[types.RiskLevel]int{}
	for _, rec := range records {
		counts[rec.Result.RiskLevel]++
	}
	_ = f.SetCellValue(summarySheet, "A1", "Rockfall Prediction History")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", generated.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Records")
	_ = f.SetCellValue(summarySheet, "B4", len(records))
	for i, level := range types.RiskLevels {
		rowNum := 5 + i
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", rowNum), string(level))
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", rowNum), counts[level])
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pdfColumn is one printed column of the PDF table.
type pdfColumn struct {
	title string
	width float64
	align string
	value func(*types.PredictionRecord) string
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

var pdfColumns = []pdfColumn{
	{"Created At", 38, "L", func(r *types.PredictionRecord) string { return r.CreatedAt.UTC().Format("2006-01-02 15:04") }},
	{"Zone", 60, "L", func(r *types.PredictionRecord) string { return r.ZoneLabel }},
	{"Risk", 18, "C", func(r *types.PredictionRecord) string { return string(r.Result.RiskLevel) }},
	{"Temp C", 18, "R", func(r *types.PredictionRecord) string { return num(r.Input.TemperatureC) }},
	{"Humidity %", 22, "R", func(r *types.PredictionRecord) string { return num(r.Input.HumidityPct) }},
	{"Wind m/s", 20, "R", func(r *types.PredictionRecord) string { return num(r.Input.WindSpeed) }},
	{"Rain", 12, "C", func(r *types.PredictionRecord) string { return strconv.Itoa(r.Input.RainFlag) }},
	{"Angle", 18, "R", func(r *types.PredictionRecord) string { return num(r.Input.SlopeAngleDeg) }},
	{"Height m", 20, "R", func(r *types.PredictionRecord) string { return num(r.Input.SlopeHeightM) }},
	{"PWP", 16, "R", func(r *types.PredictionRecord) string { return num(r.Input.PoreWaterPressureRatio) }},
	{"Score", 18, "R", func(r *types.PredictionRecord) string { return fmt.Sprintf("%.2f", r.Result.Score()) }},
}

// BuildHistoryPDF renders a landscape table of records.
func BuildHistoryPDF(records []*types.PredictionRecord, generated time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Rockfall Prediction History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generated.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Records: %d", len(records)))
	pdf.Ln(8)

	header := func() {
		pdf.SetFont("Arial", "B", 9)
		for _, col := range pdfColumns {
			pdf.CellFormat(col.width, 6, col.title, "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 9)
	}
	header()

	_, pageHeight := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	for _, rec := range records {
		if pdf.GetY()+6 > pageHeight-bottom-10 {
			pdf.AddPage()
			header()
		}
		for _, col := range pdfColumns {
			pdf.CellFormat(col.width, 6, col.value(rec), "1", 0, col.align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
