package intake

import (
	"context"
	"encoding/csv"
	"errors"
	"io"

	"github.com/rotisserie/eris"
)

// ReadCSV reads assessments from CSV with a header row. Lines starting
// with # are skipped; Row is the record's line number in the file.
func ReadCSV(ctx context.Context, r io.Reader) ([]Assessment, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	var t table
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "intake: read csv")
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "intake: read csv")
		}
		line, _ := cr.FieldPos(0)
		t.rows = append(t.rows, tableRow{line: line, cells: record})
	}
	if len(t.rows) == 0 {
		return nil, eris.New("intake: csv has no header row")
	}
	return t.assessments()
}
