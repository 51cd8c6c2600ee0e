package anomaly

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"trading-assistant/config"
	"trading-assistant/internal/market"
	"trading-assistant/internal/metrics"
)

// minBaseline is the number of observations a baseline needs before z-scores
// are meaningful. Below it every observation is admitted silently.
const minBaseline = 20

// largeVolumeZ marks a print as "large" for the consecutive-run rule.
const largeVolumeZ = 2.0

type observation struct {
	at    time.Time
	value float64
}

type baseline struct {
	window time.Duration
	points []observation
}

func (b *baseline) prune(now time.Time) {
	cut := 0
	for cut < len(b.points) && now.Sub(b.points[cut].at) > b.window {
		cut++
	}
	if cut > 0 {
		b.points = b.points[cut:]
	}
}

// score computes the z of value against the existing points, then admits it.
// Returns false while the baseline is warming up or has zero variance.
func (b *baseline) score(value float64, now time.Time) (float64, bool) {
	b.prune(now)

	var z float64
	ok := false
	if len(b.points) >= minBaseline {
		values := make([]float64, len(b.points))
		for i, p := range b.points {
			values[i] = p.value
		}
		mean, std := stat.MeanStdDev(values, nil)
		if std > 0 {
			z = (value - mean) / std
			ok = true
		}
	}

	b.points = append(b.points, observation{at: now, value: value})
	return z, ok
}

type firing struct {
	at       time.Time
	severity Severity
}

type assetState struct {
	baselines map[Metric]*baseline
	lastFire  map[Kind]firing

	volumeRun    int
	volumeRunDir int // +1 up bars, -1 down bars
}

// Detector maintains rolling baselines per (asset, metric) and debounce state
// per (asset, kind). Safe for concurrent use; per-asset pipeline loops all
// feed the same detector.
type Detector struct {
	cfg config.AnomalyConfig
	log zerolog.Logger

	mu     sync.Mutex
	assets map[string]*assetState
}

func NewDetector(cfg config.AnomalyConfig, log zerolog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		log:    log.With().Str("component", "anomaly").Logger(),
		assets: make(map[string]*assetState),
	}
}

func (d *Detector) state(assetID string) *assetState {
	st, ok := d.assets[assetID]
	if !ok {
		st = &assetState{
			baselines: make(map[Metric]*baseline),
			lastFire:  make(map[Kind]firing),
		}
		d.assets[assetID] = st
	}
	return st
}

func (d *Detector) baselineFor(st *assetState, metric Metric) *baseline {
	b, ok := st.baselines[metric]
	if !ok {
		window := d.cfg.BaselineWindow
		if w, ok := d.cfg.MetricWindows[string(metric)]; ok && w > 0 {
			window = w
		}
		b = &baseline{window: window}
		st.baselines[metric] = b
	}
	return b
}

func (d *Detector) debounceFor(kind Kind) time.Duration {
	if w, ok := d.cfg.DebounceByKind[string(kind)]; ok && w > 0 {
		return w
	}
	return d.cfg.DebounceDefault
}

// admit applies the debounce window: a (asset, kind) that fired within the
// window is suppressed at the same or lower severity and re-fires only on
// strict escalation.
func (d *Detector) admit(st *assetState, kind Kind, severity Severity, now time.Time) bool {
	last, fired := st.lastFire[kind]
	if fired && now.Sub(last.at) < d.debounceFor(kind) && severity.Rank() <= last.severity.Rank() {
		return false
	}
	st.lastFire[kind] = firing{at: now, severity: severity}
	return true
}

func (d *Detector) emit(asset market.Asset, kind Kind, severity Severity, score float64, now time.Time, ctx map[string]any) *Event {
	metrics.Anomalies.WithLabelValues(string(kind), string(severity)).Inc()
	d.log.Info().
		Str("asset", asset.ID).
		Str("kind", string(kind)).
		Str("severity", string(severity)).
		Float64("score", score).
		Msg("anomaly detected")
	return &Event{
		Asset:     asset,
		Timestamp: now,
		Kind:      kind,
		Severity:  severity,
		Score:     score,
		Context:   ctx,
	}
}

// Observe scores one metric observation against its rolling baseline.
// Returns nil while the baseline warms up, when the score stays below the
// warn threshold, or when the debounce window suppresses the event.
func (d *Detector) Observe(asset market.Asset, metric Metric, value float64, now time.Time) *Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.state(asset.ID)
	z, ok := d.baselineFor(st, metric).score(value, now)
	if !ok {
		return nil
	}

	severity, fires := severityForZ(z)
	if !fires {
		return nil
	}
	if !d.admit(st, metric.Kind(), severity, now) {
		return nil
	}
	return d.emit(asset, metric.Kind(), severity, z, now, map[string]any{
		"metric": string(metric),
		"value":  value,
	})
}

// ObserveBar applies the rule triggers that bypass the z baselines: a single
// bar moving at least the configured percent fires price_jump at high or
// above, and a run of same-direction large-volume bars fires volume_spike at
// high. volumeZ may be nil when the volume baseline has not warmed up.
func (d *Detector) ObserveBar(asset market.Asset, bar market.Bar, volumeZ *float64) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.state(asset.ID)
	now := bar.Timestamp
	var out []Event

	if bar.Open > 0 {
		movePct := (bar.Close - bar.Open) / bar.Open * 100
		abs := movePct
		if abs < 0 {
			abs = -abs
		}
		if abs >= d.cfg.SingleBarMovePct {
			severity := SeverityHigh
			// A move scoring critical on the z baseline keeps its rank.
			if z, ok := d.baselineFor(st, MetricReturn1m).score(movePct, now); ok {
				if s, fires := severityForZ(z); fires && s.Rank() > severity.Rank() {
					severity = s
				}
			}
			if d.admit(st, KindPriceJump, severity, now) {
				out = append(out, *d.emit(asset, KindPriceJump, severity, movePct, now, map[string]any{
					"rule":     "single_bar_move",
					"move_pct": movePct,
				}))
			}
		}
	}

	// Consecutive same-direction large-volume prints.
	dir := 0
	if bar.Close > bar.Open {
		dir = 1
	} else if bar.Close < bar.Open {
		dir = -1
	}
	large := volumeZ != nil && *volumeZ >= largeVolumeZ
	if dir != 0 && large && dir == st.volumeRunDir {
		st.volumeRun++
	} else if dir != 0 && large {
		st.volumeRun = 1
		st.volumeRunDir = dir
	} else {
		st.volumeRun = 0
		st.volumeRunDir = 0
	}

	if st.volumeRun >= d.cfg.VolumeRunLength {
		if d.admit(st, KindVolumeSpike, SeverityHigh, now) {
			out = append(out, *d.emit(asset, KindVolumeSpike, SeverityHigh, float64(st.volumeRun), now, map[string]any{
				"rule":      "volume_run",
				"direction": st.volumeRunDir,
			}))
		}
	}

	return out
}

// Reset drops all state for an asset. Used when a series restarts.
func (d *Detector) Reset(assetID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.assets, assetID)
}
