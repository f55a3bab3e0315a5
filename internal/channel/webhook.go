package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

type WebhookConfig struct {
	Timeout    time.Duration
	RatePerSec float64
}

// Webhook POSTs the rendered envelope as JSON. The subject part is the
// target URL (trimmed before use); the body part is a raw text payload
// and the data part a structured one. Both body and data travel in a
// single JSON document so the receiver never has to guess which slot
// a template filled.
type Webhook struct {
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Webhook{
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     log.With(logx.String("channel", "webhook")),
	}
}

func (w *Webhook) Key() string       { return "webhook" }
func (w *Webhook) Parts() []string   { return []string{PartSubject, PartBody, PartData} }
func (w *Webhook) TitlePart() string { return PartSubject }

func (w *Webhook) Send(ctx context.Context, _ []notify.Recipient, env Envelope) error {
	url := strings.TrimSpace(env.Part(PartSubject))
	if url == "" {
		return errors.New("webhook: url part is empty")
	}

	data, err := parseDataPart(env.Part(PartData))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"text": strings.TrimSpace(env.Part(PartBody)),
		"data": data,
	})
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: %s returned status %d", url, resp.StatusCode)
	}
	w.log.Debug("webhook delivered", logx.String("url", url), logx.Int("status", resp.StatusCode))
	return nil
}
