package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Provider delivers notifications and alerts.
type Provider interface {
	Send(ctx context.Context, n Notification) error
}

type ProviderConfig struct {
	Kind           string
	WebhookURL     string
	WebhookToken   string
	WebhookTimeout time.Duration
}

func NewProvider(cfg ProviderConfig, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "stub", "log":
		return logProvider{logger: logger}
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		if cfg.WebhookURL == "" {
			logger.Warn("webhook provider without NOTIFY_WEBHOOK_URL, falling back to log")
			return logProvider{logger: logger}
		}
		return newWebhookProvider(cfg.WebhookURL, cfg.WebhookToken, cfg.WebhookTimeout)
	default:
		if strings.HasPrefix(cfg.Kind, "http://") || strings.HasPrefix(cfg.Kind, "https://") {
			return newWebhookProvider(cfg.Kind, cfg.WebhookToken, cfg.WebhookTimeout)
		}
		logger.Warn("unknown notify provider, falling back to log", zap.String("provider", cfg.Kind))
		return logProvider{logger: logger}
	}
}

type logProvider struct {
	logger *zap.Logger
}

func (p logProvider) Send(ctx context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("ticket_id", n.TicketID),
		zap.String("number", n.Number),
		zap.String("agency_id", n.AgencyID),
		zap.Time("since", n.Since),
		zap.String("message", n.Message),
	}
	if n.AgentID != "" {
		fields = append(fields, zap.String("agent_id", n.AgentID))
	}
	if n.Kind == KindLongService {
		p.logger.Warn("ticket alert", fields...)
		return nil
	}
	p.logger.Info("ticket notification", fields...)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, n Notification) error {
	return nil
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func newWebhookProvider(url, token string, timeout time.Duration) webhookProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return webhookProvider{url: url, token: token, client: &http.Client{Timeout: timeout}}
}

func (p webhookProvider) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected notification: status %d", resp.StatusCode)
	}
	return nil
}

var errProviderFailure = errors.New("provider failure")

// failProvider rejects every notification. Selected with NOTIFY_PROVIDER=fail
// to exercise delivery error handling.
type failProvider struct{}

func (failProvider) Send(ctx context.Context, n Notification) error {
	return errProviderFailure
}
