// Package notify delivers completed-report notifications to an external
// transport. Payloads carry opaque references only; the transport resolves
// recipients on its side.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const (
	// SignatureHeader carries "sha256=<hex>" over "<timestamp>.<body>".
	SignatureHeader = "X-Report-Signature"
	// TimestampHeader carries the unix seconds used in the signature.
	TimestampHeader = "X-Report-Timestamp"
	// IdempotencyHeader carries the notification id so receivers can drop
	// duplicates of a re-sent record.
	IdempotencyHeader = "Idempotency-Key"
)

// Message is the notification payload.
type Message struct {
	NotificationID string    `json:"notification_id"`
	JobID          string    `json:"job_id"`
	Type           string    `json:"type"`
	RecipientRef   string    `json:"recipient_ref"`
	ReportRef      string    `json:"report_ref"`
	CreatedAt      time.Time `json:"created_at"`
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// StatusError is returned when the transport answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notify: webhook returned status %d", e.StatusCode)
}

// WebhookSender posts signed JSON to a URL.
type WebhookSender struct {
	url    string
	secret []byte
	client *http.Client
	now    func() time.Time
}

// NewWebhookSender creates a sender. A zero timeout defaults to 10s.
func NewWebhookSender(url, secret string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Send posts msg once. Retries belong to the caller.
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	if s.url == "" {
		return eris.New("notify: webhook url is not configured")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "notify: marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "notify: create request")
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TimestampHeader, ts)
	req.Header.Set(SignatureHeader, Sign(s.secret, ts, body))
	req.Header.Set(IdempotencyHeader, msg.NotificationID)

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	return nil
}

// Sign returns the signature header value for body sent at ts.
func Sign(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))  //nolint:errcheck
	mac.Write([]byte(".")) //nolint:errcheck
	mac.Write(body)        //nolint:errcheck
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time.
func Verify(secret []byte, ts string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}
