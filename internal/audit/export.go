package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"
)

// ExportXLSX writes entries to a single-sheet workbook.
func ExportXLSX(entries []Entry, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	headers := []string{"id", "timestamp", "type", "entity_type", "entity_id", "message", "context"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, e := range entries {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}

		set(1, e.ID)
		set(2, e.CreatedAt.UTC().Format(time.RFC3339))
		set(3, string(e.Type))
		set(4, string(e.EntityType))
		set(5, e.EntityID)
		set(6, e.Message)
		set(7, contextString(e.Context))
	}

	if len(entries) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(headers), len(entries)+1)
		_ = f.AutoFilter(sheet, "A1:"+last, nil)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

func contextString(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	blob, err := json.Marshal(ctx)
	if err != nil {
		return ""
	}
	return string(blob)
}
