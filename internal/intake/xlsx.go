package intake

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// ReadXLSX reads assessments from one sheet of a workbook, the first when
// sheetName is empty. Row is the spreadsheet row number.
func ReadXLSX(path, sheetName string) ([]Assessment, error) {
	wb, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "intake: open workbook %s", path)
	}

	var sheet *xlsx.Sheet
	switch {
	case sheetName != "":
		sheet = wb.Sheet[sheetName]
		if sheet == nil {
			return nil, eris.Errorf("intake: workbook has no sheet %q", sheetName)
		}
	case len(wb.Sheets) > 0:
		sheet = wb.Sheets[0]
	default:
		return nil, eris.New("intake: workbook has no sheets")
	}

	var t table
	for i, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, c := range row.Cells {
			cells[j] = c.String()
		}
		t.rows = append(t.rows, tableRow{line: i + 1, cells: cells})
	}
	if len(t.rows) == 0 {
		return nil, eris.Errorf("intake: sheet %q is empty", sheet.Name)
	}
	return t.assessments()
}
