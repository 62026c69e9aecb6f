package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/pkg/notify"
)

// Batch is what one check hands to a Sink: alerts that started firing and
// kinds that stopped.
type Batch struct {
	Fired    []Alert          `json:"fired,omitempty"`
	Resolved []string         `json:"resolved,omitempty"`
	Snapshot *MetricsSnapshot `json:"snapshot"`
}

// Sink delivers alert batches.
type Sink interface {
	Deliver(ctx context.Context, b Batch) error
}

// WebhookSink posts batches as JSON. With a Secret set the body is signed
// the same way report notifications are.
type WebhookSink struct {
	URL    string
	Secret string
	Client *http.Client
}

func (s *WebhookSink) Deliver(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert batch")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build alert request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(notify.TimestampHeader, ts)
		req.Header.Set(notify.SignatureHeader, notify.Sign([]byte(s.Secret), ts, body))
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alert batch")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		return eris.Errorf("monitoring: alert webhook answered %d", resp.StatusCode)
	}
	return nil
}
