// Package supervisor implements the Supervisor (spec §4.9): a heartbeat
// watchdog that exits the process on a hang, a WS-health staleness check
// per instrument, worker-pool occupancy logging, and the hourly
// Price-Manager rollover trigger, grounded on
// market_maker/internal/infrastructure/health/manager.go's
// Register/aggregate idiom and market_maker/internal/bootstrap/app.go's
// signal-aware lifecycle.
package supervisor

import (
	"context"
	"sync"
	"time"

	"hourbuy/internal/core"
	"hourbuy/internal/telemetry"
	"hourbuy/pkg/concurrency"

	"github.com/robfig/cron/v3"
)

// Config holds the supervisor's timing knobs (spec §4.9).
type Config struct {
	HeartbeatInterval    time.Duration // how often the main tick bumps the stamp
	HeartbeatTimeout     time.Duration // watchdog fires if the stamp ages past this
	CandleStaleThreshold time.Duration // WS-health: no confirmed candle within this is an error
	MaxPoolOccupancy     int64         // warn if running+waiting pool tasks exceed this
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    60 * time.Second,
		HeartbeatTimeout:     180 * time.Second,
		CandleStaleThreshold: 90 * time.Minute,
		MaxPoolOccupancy:     50,
	}
}

type wsWatcher struct {
	name    string
	isAlive func() bool
	restart func()
}

// Supervisor owns process-level liveness: the heartbeat watchdog, the
// per-instrument WS-health check, and the hourly Price Manager rollover.
type Supervisor struct {
	cfg    Config
	pool   *concurrency.WorkerPool
	prices core.PriceSource
	logger core.ILogger
	cron   *cron.Cron

	mu            sync.Mutex
	lastHeartbeat time.Time
	lastCandleAt  map[string]time.Time
	watchers      []wsWatcher

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Supervisor. pool may be nil if the caller has no worker
// pool to report stats for (e.g. a component test).
func New(cfg Config, pool *concurrency.WorkerPool, prices core.PriceSource, logger core.ILogger) *Supervisor {
	return &Supervisor{
		cfg:           cfg,
		pool:          pool,
		prices:        prices,
		logger:        logger.WithField("component", "supervisor"),
		cron:          cron.New(),
		lastHeartbeat: time.Now(),
		lastCandleAt:  make(map[string]time.Time),
		stopCh:        make(chan struct{}),
	}
}

// RegisterWSWatcher lets the exchange gateway (or any long-lived WS thread)
// register a liveness probe and a restart hook; the supervisor's tick
// calls isAlive and invokes restart if it reports false.
func (s *Supervisor) RegisterWSWatcher(name string, isAlive func() bool, restart func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, wsWatcher{name: name, isAlive: isAlive, restart: restart})
}

// OnCandle implements core.CandleCallback for the WS-health check: only a
// confirmed candle resets an instrument's staleness clock.
func (s *Supervisor) OnCandle(candle core.Candle) {
	if !candle.Confirmed {
		return
	}
	s.mu.Lock()
	s.lastCandleAt[candle.Instrument] = time.Now()
	s.mu.Unlock()
}

// TrackInstrument seeds an instrument's staleness clock the moment it
// becomes tradable, so it isn't flagged stale before its first candle ever
// arrives.
func (s *Supervisor) TrackInstrument(instrument string) {
	s.mu.Lock()
	if _, ok := s.lastCandleAt[instrument]; !ok {
		s.lastCandleAt[instrument] = time.Now()
	}
	s.mu.Unlock()
}

// UntrackInstrument removes an instrument dropped from the registry (e.g.
// blacklisted) from the staleness check.
func (s *Supervisor) UntrackInstrument(instrument string) {
	s.mu.Lock()
	delete(s.lastCandleAt, instrument)
	s.mu.Unlock()
}

// Start begins the heartbeat/health goroutine, the independent watchdog
// goroutine, and the hourly rollover cron.
func (s *Supervisor) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("1 * * * *", func() { s.prices.RefreshAllAtHourBoundary(ctx) }); err != nil {
		return err
	}
	s.cron.Start()

	s.wg.Add(2)
	go s.runHeartbeat(ctx)
	go s.runWatchdog(ctx)
	return nil
}

// Stop signals both goroutines to exit and waits for them.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	<-s.cron.Stop().Done()
}

// heartbeatAge reports how long it has been since the heartbeat was last
// bumped, used by tests and the watchdog.
func (s *Supervisor) heartbeatAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastHeartbeat)
}

func (s *Supervisor) runHeartbeat(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick is the main-thread-side half of the heartbeat: it bumps the stamp
// the watchdog goroutine independently polls, then runs the cheap
// housekeeping checks (WS-health, dead-watcher restart, pool stats).
func (s *Supervisor) tick() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	now := s.lastHeartbeat
	var stale []string
	for instrument, at := range s.lastCandleAt {
		if now.Sub(at) > s.cfg.CandleStaleThreshold {
			stale = append(stale, instrument)
		}
	}
	watchers := append([]wsWatcher(nil), s.watchers...)
	s.mu.Unlock()

	for _, instrument := range stale {
		s.logger.Error("no confirmed 1H candle within threshold, relying on sell scheduler fallback",
			"instrument", instrument, "threshold", s.cfg.CandleStaleThreshold.String())
	}

	for _, w := range watchers {
		if !w.isAlive() {
			s.logger.Error("websocket thread found dead, restarting", "name", w.name)
			w.restart()
		}
	}

	if s.pool != nil {
		stats := s.pool.Stats()
		occupancy := stats["running_workers"] + stats["waiting_tasks"]
		telemetry.GetGlobalMetrics().SetPoolOccupancy(occupancy)
		if s.cfg.MaxPoolOccupancy > 0 && occupancy > s.cfg.MaxPoolOccupancy {
			s.logger.Warn("worker pool occupancy high", "occupancy", occupancy, "max", s.cfg.MaxPoolOccupancy, "stats", stats)
		} else {
			s.logger.Debug("worker pool stats", "stats", stats)
		}
	}
}

// runWatchdog independently polls heartbeat age so a hang in the
// heartbeat goroutine itself (not just a stale candle) is still caught:
// if nothing bumps the stamp within HeartbeatTimeout, the process exits
// and relies on an external supervisor to restart it (spec §4.9).
func (s *Supervisor) runWatchdog(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.HeartbeatInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.heartbeatAge() > s.cfg.HeartbeatTimeout {
				s.logger.Fatal("heartbeat stale, exiting process for external supervisor restart", "age", s.heartbeatAge().String())
				return
			}
		}
	}
}
