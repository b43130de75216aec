package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stateline/stateline/pkg/engine"
)

// WebhookClient delivers webhook actions over HTTP. A non-2xx response is the
// action's failure, handled by its on-failure policy like any other.
type WebhookClient struct {
	client *http.Client
}

func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		client: &http.Client{Timeout: timeout},
	}
}

type webhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

type webhookPayload struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Snapshot   map[string]interface{} `json:"snapshot"`
	Actor      string                 `json:"actor"`
	SentAt     time.Time              `json:"sent_at"`
}

func (w *WebhookClient) Deliver(ctx context.Context, req engine.ActionRequest) error {
	var cfg webhookConfig
	if err := decodeConfig(req.Action.Config, &cfg); err != nil {
		return fmt.Errorf("invalid webhook config: %w", err)
	}
	if cfg.URL == "" {
		return fmt.Errorf("webhook config requires a url")
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(webhookPayload{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Snapshot:   req.Snapshot,
		Actor:      req.Context.ActorID,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range cfg.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned status %d", cfg.URL, resp.StatusCode)
	}
	return nil
}

func webhookHandler(client *WebhookClient) HandlerFunc {
	return func(ctx context.Context, req engine.ActionRequest) error {
		if client == nil {
			return fmt.Errorf("webhook delivery is not configured")
		}
		return client.Deliver(ctx, req)
	}
}
