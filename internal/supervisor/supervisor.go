// Package supervisor keeps the assistant's long-running units alive.
// A unit that crashes is restarted with exponential backoff; repeated
// fast crashes grow the delay instead of burning CPU in a restart
// storm. A pidfile marks the running process and shutdown drains units
// for a bounded time before giving up.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/events"
	"trading-assistant/internal/metrics"
)

// ErrDrainTimeout reports that units were still running when the drain
// window closed. The caller decides how hard to exit.
var ErrDrainTimeout = errors.New("drain timeout exceeded")

// Unit is one restartable component. Run blocks until ctx is done or
// the unit fails; a nil return while ctx is live means the unit is
// finished and will not be restarted.
type Unit struct {
	Name string
	Run  func(ctx context.Context) error
}

type Supervisor struct {
	cfg   config.SupervisorConfig
	units []Unit
	bus   *events.EventBus
	log   zerolog.Logger
}

func New(cfg config.SupervisorConfig, bus *events.EventBus, log zerolog.Logger) *Supervisor {
	if cfg.FastCrashWindow <= 0 {
		cfg.FastCrashWindow = 60 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &Supervisor{
		cfg: cfg,
		bus: bus,
		log: log.With().Str("component", "supervisor").Logger(),
	}
}

// Add registers a unit. All units must be added before Run.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.units = append(s.units, Unit{Name: name, Run: run})
}

// Run starts every unit and blocks until all have stopped. After ctx
// is cancelled units get the drain window to return; ErrDrainTimeout
// reports the ones that did not.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.writePidFile(); err != nil {
		return err
	}
	defer s.removePidFile()

	var wg sync.WaitGroup
	for _, u := range s.units {
		wg.Add(1)
		go func(u Unit) {
			defer wg.Done()
			s.runUnit(ctx, u)
		}(u)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	select {
	case <-done:
		s.log.Info().Msg("all units drained")
		return nil
	case <-time.After(s.cfg.DrainTimeout):
		s.log.Error().Dur("timeout", s.cfg.DrainTimeout).Msg("units still running after drain window")
		return ErrDrainTimeout
	}
}

func (s *Supervisor) runUnit(ctx context.Context, u Unit) {
	fails := 0
	for {
		s.publish(events.EventUnitStarted, u.Name, "")
		s.log.Info().Str("unit", u.Name).Msg("unit started")

		started := time.Now()
		err := s.safeRun(ctx, u)
		uptime := time.Since(started)

		if ctx.Err() != nil {
			s.publish(events.EventUnitStopped, u.Name, "shutdown")
			s.log.Info().Str("unit", u.Name).Msg("unit stopped")
			return
		}
		if err == nil {
			s.publish(events.EventUnitStopped, u.Name, "finished")
			s.log.Info().Str("unit", u.Name).Msg("unit finished")
			return
		}

		if uptime < s.cfg.FastCrashWindow {
			fails++
		} else {
			fails = 1
		}
		delay := backoff(fails, s.cfg.MaxBackoff)

		metrics.UnitRestarts.WithLabelValues(u.Name).Inc()
		s.publish(events.EventUnitCrashed, u.Name, err.Error())
		s.log.Error().
			Err(err).
			Str("unit", u.Name).
			Dur("uptime", uptime).
			Int("consecutive_fails", fails).
			Dur("restart_delay", delay).
			Msg("unit crashed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.publish(events.EventUnitStopped, u.Name, "shutdown")
			return
		case <-timer.C:
		}
		s.publish(events.EventUnitRestarted, u.Name, "")
	}
}

// safeRun converts a unit panic into an error so the restart loop owns
// the recovery policy.
func (s *Supervisor) safeRun(ctx context.Context, u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return u.Run(ctx)
}

// backoff doubles per consecutive fast crash, capped by limit.
func backoff(fails int, limit time.Duration) time.Duration {
	if fails < 1 {
		fails = 1
	}
	if fails > 7 {
		fails = 7
	}
	d := time.Duration(1<<uint(fails-1)) * time.Second
	if d > limit {
		d = limit
	}
	return d
}

func (s *Supervisor) publish(eventType events.EventType, unit, detail string) {
	if s.bus != nil {
		s.bus.PublishLifecycle(eventType, unit, detail)
	}
}

func (s *Supervisor) writePidFile() error {
	if s.cfg.PidFile == "" {
		return nil
	}
	if err := os.WriteFile(s.cfg.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing pidfile %s: %w", s.cfg.PidFile, err)
	}
	return nil
}

func (s *Supervisor) removePidFile() {
	if s.cfg.PidFile == "" {
		return
	}
	if err := os.Remove(s.cfg.PidFile); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("pidfile", s.cfg.PidFile).Msg("failed to remove pidfile")
	}
}
