package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

var xlsxStrategies = []strategy{
	{name: "xlsx_excelize", run: extractXLSX},
}

var xlsStrategies = []strategy{
	{name: "xls_legacy", run: extractXLS},
}

// extractXLSX serialises every sheet in workbook order. The sheet name stays
// in the output as a section header so retrieval can attribute a row to its
// sheet after chunking.
func extractXLSX(data []byte, meta *Metadata) (string, error) {
	workbook, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("extract: open xlsx: %w", err)
	}
	defer workbook.Close()

	var builder strings.Builder
	for _, sheetName := range workbook.GetSheetList() {
		rows, err := workbook.GetRows(sheetName)
		if err != nil {
			return "", fmt.Errorf("extract: read sheet %q: %w", sheetName, err)
		}
		appendSheet(&builder, meta, sheetName, rows)
	}
	return builder.String(), nil
}

func extractXLS(data []byte, meta *Metadata) (string, error) {
	workbook, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return "", fmt.Errorf("extract: open xls: %w", err)
	}

	var builder strings.Builder
	for i := 0; i < workbook.NumSheets(); i++ {
		sheet := workbook.GetSheet(i)
		if sheet == nil {
			continue
		}
		var rows [][]string
		for rowNum := 0; rowNum <= int(sheet.MaxRow); rowNum++ {
			row := sheet.Row(rowNum)
			if row == nil {
				continue
			}
			var cells []string
			for col := row.FirstCol(); col < row.LastCol(); col++ {
				cells = append(cells, row.Col(col))
			}
			rows = append(rows, cells)
		}
		appendSheet(&builder, meta, sheet.Name, rows)
	}
	return builder.String(), nil
}

// appendSheet writes one sheet as delimited text, skipping empty rows and
// sheets with no content at all.
func appendSheet(builder *strings.Builder, meta *Metadata, sheetName string, rows [][]string) {
	var lines []string
	for _, row := range rows {
		var cells []string
		for _, cell := range row {
			trimmed := strings.TrimSpace(cell)
			if trimmed != "" {
				cells = append(cells, trimmed)
			}
		}
		if len(cells) > 0 {
			lines = append(lines, strings.Join(cells, " | "))
		}
	}
	if len(lines) == 0 {
		return
	}

	meta.SheetNames = append(meta.SheetNames, sheetName)
	fmt.Fprintf(builder, "\n=== SHEET: %s ===\n", sheetName)
	for _, line := range lines {
		builder.WriteString(line)
		builder.WriteString("\n")
	}
}
