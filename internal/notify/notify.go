// Package notify отправляет best-effort вебхуки о событиях выдачи.
// Доставка не гарантируется и не повторяется; ошибки только логируются
// и никогда не влияют на путь выдачи.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client инкапсулирует отправку HTTP-уведомлений на настроенный вебхук.
type Client struct {
	webhookURL string
	httpClient *http.Client
	logger     *zap.Logger
}

type eventPayload struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
	SentAt  string `json:"sent_at"`
}

// NewClient создаёт клиент вебхуков для указанного URL.
func NewClient(webhookURL string, logger *zap.Logger) *Client {
	return &Client{
		webhookURL: strings.TrimRight(webhookURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// EventActivated уведомляет о том, что событие открыто для выдачи купонов.
func (c *Client) EventActivated(ctx context.Context, eventID int64) {
	c.post(ctx, eventPayload{
		Type:    "event_activated",
		EventID: eventID,
		SentAt:  time.Now().Format(time.RFC3339),
	})
}

func (c *Client) post(ctx context.Context, payload eventPayload) {
	if c == nil || c.webhookURL == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("webhook payload marshal failed", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("webhook request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("webhook delivery failed",
			zap.String("type", payload.Type), zap.Int64("eventID", payload.EventID), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Warn("webhook rejected",
			zap.String("type", payload.Type), zap.Int64("eventID", payload.EventID),
			zap.Int("status", resp.StatusCode))
	}
}
