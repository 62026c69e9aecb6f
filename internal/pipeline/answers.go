package pipeline

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/fingerprint"
	"github.com/carepath/report-pipeline/internal/model"
)

// normalizeAnswers returns the canonical form of answers: strings NFC
// normalized and trimmed, numbers as json.Number. Equal answers produce
// deeply equal maps.
func normalizeAnswers(a model.Answers) (map[string]any, error) {
	if a == nil {
		a = model.Answers{}
	}
	raw, err := fingerprint.Canonical(a)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: canonicalize answers")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, eris.Wrap(err, "pipeline: decode answers")
	}
	return out, nil
}

func numberAnswer(a map[string]any, key string) (float64, bool) {
	switch v := a[key].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func boolAnswer(a map[string]any, key string) (bool, bool) {
	switch v := a[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "true", "y":
			return true, true
		case "no", "false", "n":
			return false, true
		}
	}
	return false, false
}

func stringAnswer(a map[string]any, key string) (string, bool) {
	v, ok := a[key].(string)
	if !ok {
		return "", false
	}
	v = strings.ToLower(strings.TrimSpace(v))
	return v, v != ""
}
