// Package notify delivers end-of-session messages to a person, such as a
// chat channel or a direct message.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Config selects and configures the notifier.
type Config struct {
	// Type is "webhook", "log" or "disabled".
	Type string `yaml:"type" json:"type"`
	// URL receives a JSON POST for the webhook notifier.
	URL string `yaml:"url" json:"url"`
	// Token, if set, is sent as a bearer token.
	Token   string `yaml:"token" json:"-"`
	Timeout int    `yaml:"timeout_ms" json:"timeoutMs"`
}

// Notifier sends one message to one recipient.
type Notifier interface {
	Notify(ctx context.Context, recipient, message string) error
}

// New builds the notifier described by cfg; nil when disabled.
func New(cfg Config) (Notifier, error) {
	switch cfg.Type {
	case "", "disabled":
		return nil, nil
	case "log":
		return Log{}, nil
	case "webhook":
		w, err := NewWebhook(cfg)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("notify: unknown type %q", cfg.Type)
}

// Log writes messages to the process log instead of sending them.
type Log struct{}

func (Log) Notify(ctx context.Context, recipient, message string) error {
	log.Printf("[notify] to %s: %s", recipient, message)
	return nil
}

// Webhook posts messages as JSON, in the shape chat incoming-webhooks accept:
// {"channel": recipient, "text": message}.
type Webhook struct {
	url        string
	token      string
	httpClient *http.Client
}

type webhookPayload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

func NewWebhook(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("notify: webhook URL not configured")
	}
	timeout := time.Duration(cfg.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:   cfg.URL,
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (w *Webhook) Notify(ctx context.Context, recipient, message string) error {
	body, err := json.Marshal(webhookPayload{Channel: recipient, Text: message})
	if err != nil {
		return fmt.Errorf("notify: encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: sending to %s: %w", recipient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
