package notification

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/events"
)

type recordingSink struct {
	mu      sync.Mutex
	name    string
	enabled bool
	err     error
	sent    []Notification
}

func (r *recordingSink) Name() string    { return r.name }
func (r *recordingSink) IsEnabled() bool { return r.enabled }
func (r *recordingSink) Send(n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, *n)
	return nil
}

func (r *recordingSink) notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// Disabled sinks are skipped and a failing sink never blocks delivery
// to the others.
func TestManagerFanOut(t *testing.T) {
	good := &recordingSink{name: "good", enabled: true}
	off := &recordingSink{name: "off", enabled: false}
	m := NewManager(true, zerolog.Nop())
	m.AddNotifier(off)
	m.AddNotifier(good)

	if err := m.Send(&Notification{Type: TypeReport, Title: "t", Message: "m"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := len(good.notifications()); n != 1 {
		t.Fatalf("enabled sink got %d notifications, want 1", n)
	}
	if n := len(off.notifications()); n != 0 {
		t.Fatalf("disabled sink got %d notifications, want 0", n)
	}

	m2 := NewManager(false, zerolog.Nop())
	m2.AddNotifier(good)
	if err := m2.Send(&Notification{Type: TypeReport}); err != nil {
		t.Fatalf("disabled manager Send: %v", err)
	}
	if n := len(good.notifications()); n != 1 {
		t.Fatalf("disabled manager still delivered, sink has %d", n)
	}
}

// Bus events become messages only for the shapes worth waking a human:
// critical anomalies and non-hold advice pass, lower severities and
// holds do not.
func TestBusBridgeFilters(t *testing.T) {
	sink := &recordingSink{name: "rec", enabled: true}
	m := NewManager(true, zerolog.Nop())
	m.AddNotifier(sink)

	bus := events.NewEventBus()
	m.SubscribeBus(bus)

	bus.PublishAnomaly("005930", "price_jump", "warn", 2.5)
	bus.PublishAnomaly("005930", "price_jump", "critical", 5.1)
	bus.PublishAdvice("005930", "hold", "rules", 0.4)
	bus.PublishAdvice("KRW-BTC", "buy", "llm", 0.82)
	bus.PublishPositionClosed("005930", "take_profit", 90000, 10, 150000)

	waitFor(t, func() bool { return len(sink.notifications()) == 3 })

	var types []string
	for _, n := range sink.notifications() {
		types = append(types, string(n.Type))
	}
	counts := map[string]int{}
	for _, ty := range types {
		counts[ty]++
	}
	if counts["anomaly"] != 1 || counts["advice"] != 1 || counts["position"] != 1 {
		t.Fatalf("notification types = %v", types)
	}

	for _, n := range sink.notifications() {
		switch n.Type {
		case TypeAnomaly:
			if !strings.Contains(n.Message, "critical") {
				t.Fatalf("anomaly message = %q, want the critical one", n.Message)
			}
		case TypeAdvice:
			if n.Asset != "KRW-BTC" {
				t.Fatalf("advice asset = %q, want the buy", n.Asset)
			}
		case TypePosition:
			if n.PnL != 150000 {
				t.Fatalf("position pnl = %v", n.PnL)
			}
		}
	}
}

// The Telegram sink posts a Markdown payload to the bot sendMessage
// endpoint.
func TestTelegramSinkPayload(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewTelegramNotifier("tok123", config.TelegramSink{Enabled: true, ChatID: "-100555"})
	sink.SetBaseURL(srv.URL)

	err := sink.Send(&Notification{Title: "Risk Alert: 005930", Message: "stop_warning at -8.20%"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/bottok123/sendMessage" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != "-100555" || gotBody["parse_mode"] != "Markdown" {
		t.Fatalf("payload = %v", gotBody)
	}
	if gotBody["text"] != "*Risk Alert: 005930*\n\nstop_warning at -8.20%" {
		t.Fatalf("text = %q", gotBody["text"])
	}
}

// The Discord sink encodes one embed and colors losses red.
func TestDiscordSinkEmbed(t *testing.T) {
	var gotBody struct {
		Embeds []struct {
			Title string `json:"title"`
			Color int    `json:"color"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewDiscordNotifier(config.DiscordSink{Enabled: true, WebhookURL: srv.URL})
	err := sink.Send(&Notification{
		Type:      TypePosition,
		Title:     "Position Closed: 005930",
		Message:   "P&L: -42.00",
		Asset:     "005930",
		PnL:       -42,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(gotBody.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(gotBody.Embeds))
	}
	if gotBody.Embeds[0].Title != "Position Closed: 005930" {
		t.Fatalf("title = %q", gotBody.Embeds[0].Title)
	}
	if gotBody.Embeds[0].Color != 0xE74C3C {
		t.Fatalf("color = %#x, want loss red", gotBody.Embeds[0].Color)
	}
}

// Sinks with missing credentials construct disabled.
func TestSinkEnablement(t *testing.T) {
	if NewTelegramNotifier("", config.TelegramSink{Enabled: true, ChatID: "1"}).IsEnabled() {
		t.Fatal("telegram sink enabled without a token")
	}
	if NewTelegramNotifier("tok", config.TelegramSink{Enabled: true}).IsEnabled() {
		t.Fatal("telegram sink enabled without a chat id")
	}
	if NewDiscordNotifier(config.DiscordSink{Enabled: true}).IsEnabled() {
		t.Fatal("discord sink enabled without a webhook")
	}
}
