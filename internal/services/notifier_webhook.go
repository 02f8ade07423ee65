package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/pkg/encryption"
	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Signature-256"
	HeaderEventType = "X-Event-Type"
	HeaderEventID   = "X-Event-Id"
)

// permanentError marks a webhook failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// WebhookNotifier POSTs session events as JSON, signed when a secret is configured.
type WebhookNotifier struct {
	url        string
	signer     *encryption.Signer
	httpClient *http.Client
	attempts   int
	delay      time.Duration
	logger     zerolog.Logger
}

// NewWebhookNotifier initializes a WebhookNotifier. signer may be nil.
func NewWebhookNotifier(url string, signer *encryption.Signer, timeout time.Duration, attempts int, delay time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = time.Second
	}
	return &WebhookNotifier{
		url:        url,
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
		attempts:   attempts,
		delay:      delay,
		logger:     logger,
	}
}

// Notify delivers event, retrying transport errors and 5xx answers.
func (w *WebhookNotifier) Notify(ctx context.Context, event models.SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}

	attempt := 0
	err = retry.Do(func() error {
		attempt++
		return w.post(ctx, event, payload)
	},
		retry.Attempts(uint(w.attempts)),
		retry.Delay(w.delay),
		retry.MaxDelay(10*w.delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var perm permanentError
			return !errors.As(err, &perm)
		}),
	)
	if err != nil {
		w.logger.Error().Err(err).Str("event", event.Type).Str("session_id", event.Session.ID).Int("attempts", attempt).Msg("Webhook delivery failed")
		return fmt.Errorf("webhook %s: %w", event.Type, err)
	}
	w.logger.Debug().Str("event", event.Type).Int("attempts", attempt).Msg("Webhook delivered")
	return nil
}

func (w *WebhookNotifier) post(ctx context.Context, event models.SessionEvent, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return permanentError{err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, event.Type)
	req.Header.Set(HeaderEventID, event.ID)
	if w.signer != nil {
		req.Header.Set(HeaderSignature, w.signer.SignPayload(payload))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("receiver answered %s", resp.Status)
	default:
		return permanentError{fmt.Errorf("receiver answered %s", resp.Status)}
	}
}
