package hibernator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const webhookTimeout = 10 * time.Second

// Notifier delivers fire-and-forget lifecycle notifications. Delivery
// failure is logged and never propagated — notifications must never affect
// core state.
type Notifier interface {
	NotifyStarted(serverName, playerName string)
	NotifyStopped(serverName string, idleFor time.Duration)
	NotifyCrashed(serverName string)
}

// NoopNotifier discards every event. Used when webhook.enabled is false.
type NoopNotifier struct{}

func (NoopNotifier) NotifyStarted(string, string)        {}
func (NoopNotifier) NotifyStopped(string, time.Duration) {}
func (NoopNotifier) NotifyCrashed(string)                {}

// WebhookNotifier posts lifecycle events to a configured URL, formatting a
// Discord embed if the URL looks like a Discord webhook endpoint, or a
// generic JSON payload otherwise.
type WebhookNotifier struct {
	url    string
	label  string
	client *http.Client
}

// NewWebhookNotifier builds a notifier posting to url, tagging messages
// with label.
func NewWebhookNotifier(url, label string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		label:  label,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

func isDiscordWebhook(url string) bool {
	return strings.Contains(url, "discord.com/api/webhooks") || strings.Contains(url, "discordapp.com/api/webhooks")
}

func (w *WebhookNotifier) NotifyStarted(serverName, playerName string) {
	msg := fmt.Sprintf("🚀 **%s** is starting", serverName)
	if playerName != "" {
		msg = fmt.Sprintf("🚀 **%s** is starting (triggered by %s)", serverName, playerName)
	}
	w.send("started", serverName, msg, 0x2ECC71)
}

func (w *WebhookNotifier) NotifyStopped(serverName string, idleFor time.Duration) {
	minutes := int(idleFor.Round(time.Minute) / time.Minute)
	msg := fmt.Sprintf("💤 **%s** stopped after %d minutes idle", serverName, minutes)
	w.send("stopped", serverName, msg, 0xF1C40F)
}

func (w *WebhookNotifier) NotifyCrashed(serverName string) {
	msg := fmt.Sprintf("❌ **%s** crashed", serverName)
	w.send("crashed", serverName, msg, 0xE74C3C)
}

// send dispatches the HTTP POST on its own goroutine so a slow or dead
// webhook endpoint never stalls the caller (the orchestrator tick or a
// port-handover session).
func (w *WebhookNotifier) send(event, serverName, message string, color int) {
	go w.post(event, serverName, message, color)
}

func (w *WebhookNotifier) post(event, serverName, message string, color int) {
	var payload any
	if isDiscordWebhook(w.url) {
		payload = map[string]any{
			"username": w.label,
			"embeds": []map[string]any{
				{
					"description": message,
					"color":       color,
					"timestamp":   time.Now().UTC().Format(time.RFC3339),
				},
			},
		}
	} else {
		payload = map[string]any{
			"event":     event,
			"server":    serverName,
			"message":   message,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("webhook payload encoding failed", "event", event, "server", serverName, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("webhook request build failed", "event", event, "server", serverName, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "event", event, "server", serverName, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Warn("webhook endpoint rejected notification", "event", event, "server", serverName, "status", resp.StatusCode)
	}
}
