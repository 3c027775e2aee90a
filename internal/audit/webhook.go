package audit

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
	"time"

	"github.com/faucetdb/warden/internal/circuitbreaker"
	"github.com/faucetdb/warden/internal/model"
)

// WebhookBreakerName is the circuit breaker guarding webhook delivery.
const WebhookBreakerName = "audit-webhook"

const (
	defaultWebhookTimeout = 5 * time.Second
	signatureHeader       = "X-Warden-Signature-256"
)

// WebhookSink POSTs each event as JSON to an HTTP endpoint. The body is
// signed with HMAC-SHA256 so the receiver can verify it. Delivery goes
// through a circuit breaker so a dead receiver fails fast.
type WebhookSink struct {
	url     string
	secret  []byte
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewWebhookSink creates a sink posting to url. A zero timeout uses 5s.
func NewWebhookSink(url, secret string, timeout time.Duration, breaker *circuitbreaker.Breaker) *WebhookSink {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{
		url:     url,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (w *WebhookSink) Record(ctx context.Context, ev model.AuditEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.post(ctx, ev.Action, payload)
	})
}

func (w *WebhookSink) post(ctx context.Context, action string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Warden-Event", action)
	req.Header.Set(signatureHeader, "sha256="+Sign(w.secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send audit webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("audit webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the lowercase hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
