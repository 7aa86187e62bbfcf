package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rockfall/internal/external"
	"rockfall/internal/types"
)

// SignatureHeader carries the HMAC signature of a webhook body.
//
// Format: X-Rockfall-Signature: t=<unix>,v1=<hex hmac-sha256 of "<t>.<body>">
const SignatureHeader = "X-Rockfall-Signature"

// HTTPDoer sends one request. *external.BaseClient implements it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookSink POSTs each event as JSON to a fixed URL, signed with a shared
// secret. Any non-2xx answer is a publish failure.
type WebhookSink struct {
	client HTTPDoer
	url    string
	secret string
	now    func() time.Time
}

// NewWebhookSink creates a sink for url sending through httpClient. The
// breaker-guarded wrapper never retries, so a receiver sees each event at
// most once.
func NewWebhookSink(url, secret string, httpClient *http.Client) *WebhookSink {
	client := external.NewBaseClient(
		httpClient,
		"rockfall-webhook",
		external.NoRetry(),
		"Rockfall-Webhook/1.0",
	)
	return newWebhookSink(client, url, secret, time.Now)
}

func newWebhookSink(client HTTPDoer, url, secret string, now func() time.Time) *WebhookSink {
	return &WebhookSink{client: client, url: url, secret: secret, now: now}
}

// Publish implements Sink.
func (s *WebhookSink) Publish(ctx context.Context, ev Event) error {
	body, err := ev.Encode()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rockfall-Event", string(ev.Type))
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, s.secret, s.now()))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.NewAppError(types.ErrCodeUpstreamRejected,
			fmt.Sprintf("webhook receiver answered %d", resp.StatusCode), nil)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return "t=" + ts + ",v1=" + computeHMAC(ts, body, secret)
}

// VerifySignature checks header against body. Signatures older than
// tolerance are rejected; a zero tolerance disables the age check.
func VerifySignature(body []byte, header, secret string, now time.Time, tolerance time.Duration) bool {
	var ts, v1 string
	for _, segment := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return false
	}

	if tolerance > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return false
		}
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return false
		}
	}

	expected := computeHMAC(ts, body, secret)
	return hmac.Equal([]byte(v1), []byte(expected))
}

func computeHMAC(ts string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
