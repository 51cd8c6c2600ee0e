// Package notification fans important events out to chat channels.
// The manager subscribes to the event bus and renders a small, fixed
// set of message shapes; sinks only transport them.
package notification

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/internal/events"
	"trading-assistant/internal/metrics"
)

// Type tags what a notification is about.
type Type string

const (
	TypeAdvice   Type = "advice"
	TypeRisk     Type = "risk_alert"
	TypeAnomaly  Type = "anomaly"
	TypePosition Type = "position"
	TypeReport   Type = "report"
	TypeError    Type = "error"
)

// Notification is one outbound message.
type Notification struct {
	Type      Type
	Title     string
	Message   string
	Asset     string
	PnL       float64
	Timestamp time.Time
}

// Notifier is one delivery channel.
type Notifier interface {
	Send(n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled channel. A failing
// channel never blocks the others.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	log       zerolog.Logger
}

func NewManager(enabled bool, log zerolog.Logger) *Manager {
	return &Manager{
		enabled: enabled,
		log:     log.With().Str("component", "notification").Logger(),
	}
}

func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled channels and returns the last error.
func (m *Manager) Send(n *Notification) error {
	if !m.enabled {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var lastErr error
	for _, sink := range m.notifiers {
		if !sink.IsEnabled() {
			continue
		}
		if err := sink.Send(n); err != nil {
			metrics.Notifications.WithLabelValues(sink.Name(), "error").Inc()
			m.log.Warn().Err(err).
				Str("channel", sink.Name()).
				Str("type", string(n.Type)).
				Msg("notification send failed")
			lastErr = err
			continue
		}
		metrics.Notifications.WithLabelValues(sink.Name(), "ok").Inc()
	}
	return lastErr
}

// SubscribeBus wires the manager to the event stream. Risk alerts,
// closed positions, critical anomalies, non-hold advice, and unit
// crashes become outbound messages; everything else stays in the log.
func (m *Manager) SubscribeBus(bus *events.EventBus) {
	bus.Subscribe(events.EventRiskAlert, m.onRiskAlert)
	bus.Subscribe(events.EventPositionClosed, m.onPositionClosed)
	bus.Subscribe(events.EventAnomalyDetected, m.onAnomaly)
	bus.Subscribe(events.EventAdviceGenerated, m.onAdvice)
	bus.Subscribe(events.EventUnitCrashed, m.onUnitCrashed)
}

func (m *Manager) onRiskAlert(e events.Event) {
	asset, _ := e.Data["asset"].(string)
	kind, _ := e.Data["kind"].(string)
	returnPct, _ := e.Data["return_pct"].(float64)
	m.Send(&Notification{
		Type:      TypeRisk,
		Title:     fmt.Sprintf("⚠️ Risk Alert: %s", asset),
		Message:   fmt.Sprintf("%s at %+.2f%%", kind, returnPct),
		Asset:     asset,
		Timestamp: e.Timestamp,
	})
}

func (m *Manager) onPositionClosed(e events.Event) {
	asset, _ := e.Data["asset"].(string)
	cause, _ := e.Data["cause"].(string)
	exitPrice, _ := e.Data["exit_price"].(float64)
	quantity, _ := e.Data["quantity"].(float64)
	pnl, _ := e.Data["pnl"].(float64)

	emoji := "✅"
	if pnl < 0 {
		emoji = "❌"
	}
	m.Send(&Notification{
		Type:      TypePosition,
		Title:     fmt.Sprintf("%s Position Closed: %s", emoji, asset),
		Message:   fmt.Sprintf("Closed %g @ %.2f\nP&L: %+.2f\nCause: %s", quantity, exitPrice, pnl, cause),
		Asset:     asset,
		PnL:       pnl,
		Timestamp: e.Timestamp,
	})
}

// onAnomaly forwards critical detections only; warn and high stay on
// the bus for the pipeline to act on.
func (m *Manager) onAnomaly(e events.Event) {
	severity, _ := e.Data["severity"].(string)
	if severity != "critical" {
		return
	}
	asset, _ := e.Data["asset"].(string)
	kind, _ := e.Data["kind"].(string)
	score, _ := e.Data["score"].(float64)
	m.Send(&Notification{
		Type:      TypeAnomaly,
		Title:     fmt.Sprintf("🚨 Anomaly: %s", asset),
		Message:   fmt.Sprintf("%s, severity %s, score %.2f", kind, severity, score),
		Asset:     asset,
		Timestamp: e.Timestamp,
	})
}

// onAdvice forwards buy and sell recommendations; hold would be noise.
func (m *Manager) onAdvice(e events.Event) {
	action, _ := e.Data["action"].(string)
	if action == "" || action == "hold" {
		return
	}
	asset, _ := e.Data["asset"].(string)
	source, _ := e.Data["source"].(string)
	confidence, _ := e.Data["confidence"].(float64)

	emoji := "🟢"
	if action == "sell" {
		emoji = "🔴"
	}
	m.Send(&Notification{
		Type:      TypeAdvice,
		Title:     fmt.Sprintf("%s Advice: %s %s", emoji, action, asset),
		Message:   fmt.Sprintf("Confidence %.2f (%s)", confidence, source),
		Asset:     asset,
		Timestamp: e.Timestamp,
	})
}

func (m *Manager) onUnitCrashed(e events.Event) {
	unit, _ := e.Data["unit"].(string)
	detail, _ := e.Data["detail"].(string)
	m.Send(&Notification{
		Type:      TypeError,
		Title:     fmt.Sprintf("⚠️ Unit Crashed: %s", unit),
		Message:   detail,
		Timestamp: e.Timestamp,
	})
}
