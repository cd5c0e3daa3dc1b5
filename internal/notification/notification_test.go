package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]interface{}
}

func newServer(t *testing.T, status int) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.paths = append(rec.paths, r.URL.Path)
		rec.bodies = append(rec.bodies, body)
		rec.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestTelegramNotifier(t *testing.T) {
	srv, rec := newServer(t, http.StatusOK)
	tg := NewTelegramNotifier(TelegramConfig{BotToken: "tok", ChatID: "42", Enabled: true, APIBase: srv.URL})
	require.True(t, tg.IsEnabled())

	err := tg.Send(context.Background(), &Notification{Title: "PANIC HALT", Message: "sold 3 of 10"})
	require.NoError(t, err)

	require.Len(t, rec.paths, 1)
	assert.Equal(t, "/bottok/sendMessage", rec.paths[0])
	assert.Equal(t, "42", rec.bodies[0]["chat_id"])
	assert.Contains(t, rec.bodies[0]["text"], "*PANIC HALT*")
}

func TestTelegramDisabledWithoutCredentials(t *testing.T) {
	tg := NewTelegramNotifier(TelegramConfig{Enabled: true})
	assert.False(t, tg.IsEnabled())
	assert.NoError(t, tg.Send(context.Background(), &Notification{}))
}

func TestDiscordNotifierStatus(t *testing.T) {
	srv, rec := newServer(t, http.StatusNoContent)
	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true})
	require.NoError(t, d.Send(context.Background(), &Notification{Type: NotifyCritical, Title: "x", Symbol: "BTC/USDT"}))

	embeds := rec.bodies[0]["embeds"].([]interface{})
	embed := embeds[0].(map[string]interface{})
	assert.Equal(t, float64(0xFF0000), embed["color"])
	assert.NotNil(t, embed["fields"])

	bad, _ := newServer(t, http.StatusInternalServerError)
	d = NewDiscordNotifier(DiscordConfig{WebhookURL: bad.URL, Enabled: true})
	assert.Error(t, d.Send(context.Background(), &Notification{Title: "x"}))
}

type stubNotifier struct {
	name    string
	enabled bool
	err     error
	got     []*Notification
}

func (s *stubNotifier) Name() string    { return s.name }
func (s *stubNotifier) IsEnabled() bool { return s.enabled }
func (s *stubNotifier) Send(_ context.Context, n *Notification) error {
	s.got = append(s.got, n)
	return s.err
}

func TestManagerFanOut(t *testing.T) {
	m := NewManager(zerolog.Nop())
	ok := &stubNotifier{name: "ok", enabled: true}
	failing := &stubNotifier{name: "failing", enabled: true, err: errors.New("down")}
	off := &stubNotifier{name: "off"}
	m.AddNotifier(ok)
	m.AddNotifier(failing)
	m.AddNotifier(off)
	assert.Equal(t, 2, m.Enabled())

	m.Alert(context.Background(), "CRITICAL", "EMERGENCY STOP", "daily drawdown 6%")

	require.Len(t, ok.got, 1)
	assert.Equal(t, NotifyCritical, ok.got[0].Type)
	assert.Equal(t, "[CRITICAL] EMERGENCY STOP", ok.got[0].Title)
	assert.False(t, ok.got[0].Timestamp.IsZero())
	assert.Len(t, failing.got, 1)
	assert.Empty(t, off.got)

	err := m.SendExit(context.Background(), "BTC/USDT", "TP", 1, 100)
	assert.Error(t, err)

	m.SetEnabled(false)
	assert.NoError(t, m.SendModeChange(context.Background(), "LIVE", "PAPER", "halt"))
	assert.Len(t, ok.got, 2)
}

func TestAlertSurvivesCancelledContext(t *testing.T) {
	m := NewManager(zerolog.Nop())
	ok := &stubNotifier{name: "ok", enabled: true}
	m.AddNotifier(ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Alert(ctx, "warning", "t", "m")

	require.Len(t, ok.got, 1)
	assert.Equal(t, NotifyWarning, ok.got[0].Type)
}
