package tables

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// WriteXLSX renders tables into a workbook with one sheet per table, named
// Table_1, Table_2, ... An empty slice yields a workbook with a single empty
// Table_1 sheet.
func WriteXLSX(tables []Table) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if len(tables) == 0 {
		tables = []Table{{}}
	}

	for i, t := range tables {
		sheet := fmt.Sprintf("Table_%d", i+1)
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
				return nil, fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return nil, fmt.Errorf("new sheet %s: %w", sheet, err)
		}

		row := 1
		if len(t.Headers) > 0 {
			if err := writeRow(f, sheet, row, t.Headers); err != nil {
				return nil, err
			}
			if err := boldRow(f, sheet, row, len(t.Headers)); err != nil {
				return nil, err
			}
			row++
		}
		for _, r := range t.Rows {
			if err := writeRow(f, sheet, row, r); err != nil {
				return nil, err
			}
			row++
		}
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values []string) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}

func boldRow(f *excelize.File, sheet string, row, cols int) error {
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	first, _ := excelize.CoordinatesToCellName(1, row)
	last, _ := excelize.CoordinatesToCellName(cols, row)
	return f.SetCellStyle(sheet, first, last, style)
}
