package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// discordLimit is Discord's maximum message content length.
const discordLimit = 2000

// DiscordSender posts alerts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the alert with a bold title.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	content := fmt.Sprintf("**%s**\n%s", title, message)
	if len(content) > discordLimit {
		content = content[:discordLimit-3] + "..."
	}
	if err := postJSON(ctx, d.client, d.webhookURL, map[string]string{"content": content}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
