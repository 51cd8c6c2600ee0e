package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trading-assistant/config"
)

// TelegramNotifier posts alerts to a fixed chat. This is the outbound
// alert channel; the interactive bot transport lives in
// internal/telegram.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	enabled  bool
	client   *http.Client
}

func NewTelegramNotifier(botToken string, sink config.TelegramSink) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   sink.ChatID,
		baseURL:  "https://api.telegram.org",
		enabled:  sink.Enabled && botToken != "" && sink.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

// SetBaseURL points the notifier at a different API host. Used in tests.
func (t *TelegramNotifier) SetBaseURL(url string) { t.baseURL = url }

func (t *TelegramNotifier) Send(n *Notification) error {
	message := fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message)

	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// DiscordNotifier posts alerts to a webhook as a single embed.
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

func NewDiscordNotifier(sink config.DiscordSink) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: sink.WebhookURL,
		enabled:    sink.Enabled && sink.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

func (d *DiscordNotifier) Send(n *Notification) error {
	color := 0x2ECC71 // green
	switch {
	case n.Type == TypeRisk || n.Type == TypeError:
		color = 0xE74C3C // red
	case n.Type == TypeAnomaly:
		color = 0xE67E22 // orange
	case n.Type == TypePosition && n.PnL < 0:
		color = 0xE74C3C
	}

	embed := map[string]any{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}
	if n.Asset != "" {
		embed["fields"] = []map[string]any{
			{"name": "Asset", "value": n.Asset, "inline": true},
		}
	}

	jsonData, err := json.Marshal(map[string]any{
		"embeds": []map[string]any{embed},
	})
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("sending discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
