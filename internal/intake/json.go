package intake

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// ReadJSON reads a JSON array of assessments. Row is the element's 1-based
// index. Numbers in answers decode as float64, as in the tabular readers.
func ReadJSON(ctx context.Context, r io.Reader) ([]Assessment, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if tok, err := dec.Token(); err != nil || tok != json.Delim('[') {
		return nil, eris.New("intake: json input must be an array of assessments")
	}

	var out []Assessment
	for n := 1; dec.More(); n++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "intake: read json")
		}
		var a Assessment
		if err := dec.Decode(&a); err != nil {
			return nil, eris.Wrapf(err, "intake: element %d", n)
		}
		if a.AssessmentRef == "" {
			return nil, eris.Errorf("intake: element %d: %s is empty", n, ColAssessmentRef)
		}
		a.Row = n
		a.Answers = floatNumbers(a.Answers)
		out = append(out, a)
	}
	if _, err := dec.Token(); err != nil {
		return nil, eris.Wrap(err, "intake: unterminated json array")
	}
	return out, nil
}

// floatNumbers rewrites json.Number values, at any depth, as float64.
func floatNumbers(answers map[string]any) map[string]any {
	for k, v := range answers {
		answers[k] = floatValue(v)
	}
	return answers
}

func floatValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i := range x {
			x[i] = floatValue(x[i])
		}
	case map[string]any:
		return floatNumbers(x)
	}
	return v
}
