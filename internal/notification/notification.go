package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyCritical NotificationType = "critical"
	NotifyWarning  NotificationType = "warning"
	NotifyInfo     NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled provider. It satisfies
// the alert sink used by the position machine and the daily guard.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
		timeout:   10 * time.Second,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// SetEnabled toggles delivery for all providers
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled = enabled
}

// Enabled reports how many providers would receive a notification
func (m *Manager) Enabled() int {
	n := 0
	for _, notifier := range m.notifiers {
		if notifier.IsEnabled() {
			n++
		}
	}
	return n
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	if !m.enabled {
		return nil
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(ctx, notification); err != nil {
			m.logger.Warn().Err(err).Str("notifier", n.Name()).Str("title", notification.Title).Msg("Notification delivery failed")
			lastErr = err
		}
	}
	return lastErr
}

// Alert delivers an operator alert. Delivery runs detached from the caller's
// cancellation and never fails the caller.
func (m *Manager) Alert(ctx context.Context, severity, title, message string) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	n := &Notification{
		Type:    notificationType(severity),
		Title:   fmt.Sprintf("[%s] %s", strings.ToUpper(severity), title),
		Message: message,
	}
	m.logger.Info().Str("severity", severity).Str("title", title).Msg(message)
	_ = m.Send(sendCtx, n)
}

// SendModeChange reports a LIVE/PAPER switch
func (m *Manager) SendModeChange(ctx context.Context, from, to, reason string) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyWarning,
		Title:   fmt.Sprintf("Mode changed: %s -> %s", from, to),
		Message: reason,
	})
}

// SendExit reports a completed position exit
func (m *Manager) SendExit(ctx context.Context, symbol, reason string, qty, vwap float64) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyInfo,
		Title:   fmt.Sprintf("Exit filled: %s", symbol),
		Message: fmt.Sprintf("Qty: %.8f\nVWAP: %.8f\nReason: %s", qty, vwap, reason),
		Symbol:  symbol,
		Extra: map[string]interface{}{
			"qty":    qty,
			"vwap":   vwap,
			"reason": reason,
		},
	})
}

func notificationType(severity string) NotificationType {
	switch strings.ToUpper(severity) {
	case "CRITICAL", "ERROR":
		return NotifyCritical
	case "WARNING", "WARN":
		return NotifyWarning
	default:
		return NotifyInfo
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
	APIBase  string `json:"api_base,omitempty"`
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	apiBase := config.APIBase
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		apiBase:  strings.TrimRight(apiBase, "/"),
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, notification *Notification) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message),
		"parse_mode": "Markdown",
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	resp, err := postJSON(ctx, t.client, url, payload)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Enabled    bool   `json:"enabled"`
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	switch notification.Type {
	case NotifyCritical:
		color = 0xFF0000
	case NotifyWarning:
		color = 0xFFA500
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}
	if notification.Symbol != "" {
		embed["fields"] = []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	resp, err := postJSON(ctx, d.client, d.webhookURL, payload)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
