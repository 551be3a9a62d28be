package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"tasktree/api/internal/store"
)

const (
	xlsxSheet    = "Tasks"
	xlsxMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var xlsxColumns = []struct {
	header string
	width  float64
}{
	{"ID", 8},
	{"Parent", 8},
	{"Depth", 7},
	{"Title", 48},
	{"Description", 60},
	{"Status", 10},
	{"Priority", 9},
	{"Created", 18},
	{"Completed", 18},
}

// exportXLSX writes the forest to one sheet in pre-order, indenting titles
// by depth.
func exportXLSX(forest []store.Task, title string) (*Result, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}

	for i, col := range xlsxColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(xlsxSheet, cell, col.header); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
		name, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(xlsxSheet, name, name, col.width); err != nil {
			return nil, fmt.Errorf("column width: %w", err)
		}
	}
	lastCol, _ := excelize.ColumnNumberToName(len(xlsxColumns))
	if err := f.SetCellStyle(xlsxSheet, "A1", lastCol+"1", headerStyle); err != nil {
		return nil, fmt.Errorf("apply header style: %w", err)
	}

	row := 2
	var writeErr error
	var walk func(nodes []store.Task, depth int)
	walk = func(nodes []store.Task, depth int) {
		for _, task := range nodes {
			if writeErr != nil {
				return
			}
			writeErr = f.SetSheetRow(xlsxSheet, fmt.Sprintf("A%d", row), &[]interface{}{
				task.ID,
				parentCell(task.ParentID),
				depth,
				strings.Repeat("  ", depth) + task.Title,
				descriptionCell(task.Description),
				string(task.Status),
				task.Priority,
				formatTime(&task.CreatedAt),
				formatTime(task.CompletedAt),
			})
			row++
			walk(task.Subtasks, depth+1)
		}
	}
	walk(forest, 0)
	if writeErr != nil {
		return nil, fmt.Errorf("write task row: %w", writeErr)
	}

	if err := f.AutoFilter(xlsxSheet, "A1:"+lastCol+fmt.Sprint(row-1), nil); err != nil {
		return nil, fmt.Errorf("auto filter: %w", err)
	}
	if err := f.SetPanes(xlsxSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	buf := new(bytes.Buffer)
	if _, err := f.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(title) + ".xlsx",
		MimeType: xlsxMimeType,
	}, nil
}

func parentCell(id *int64) interface{} {
	if id == nil {
		return ""
	}
	return *id
}

func descriptionCell(desc *string) string {
	if desc == nil {
		return ""
	}
	return *desc
}
