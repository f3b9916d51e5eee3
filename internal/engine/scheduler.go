package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nof1ai/perpengine/internal/logger"
	"github.com/nof1ai/perpengine/internal/metrics"
	"github.com/nof1ai/perpengine/internal/store"
)

// Scheduler drives the decision loop on a volatility-adaptive interval and
// the exit-monitor loop on a fixed interval, coordinating them through the
// cycle_active and enhanced_exit_enabled flags. It owns the
// start/pause/resume/stop lifecycle via the bot-control document.
type Scheduler struct {
	engine *Engine
	store  *store.Store

	fastInterval time.Duration
	medInterval  time.Duration
	slowInterval time.Duration
	exitInterval time.Duration

	cycleActive         atomic.Bool
	enhancedExitEnabled atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(e *Engine, st *store.Store, fast, med, slow, exitMonitor time.Duration) *Scheduler {
	s := &Scheduler{
		engine:       e,
		store:        st,
		fastInterval: fast,
		medInterval:  med,
		slowInterval: slow,
		exitInterval: exitMonitor,
		stopCh:       make(chan struct{}),
	}
	s.enhancedExitEnabled.Store(true)
	return s
}

// Run starts both loops and blocks until the background loop joins after
// Stop.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	go s.exitMonitorLoop(ctx)
	s.decisionLoop(ctx)
	s.Stop() // decision loop may exit on bot-control status alone
	s.wg.Wait()
}

// Stop signals both loops to exit at their next tick.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// decisionLoop is the foreground loop: honors bot-control status, runs one
// full cycle with the exit monitor disabled, then sleeps for a volatility-
// adaptive interval that accounts for cycle-execution time.
func (s *Scheduler) decisionLoop(ctx context.Context) {
	for {
		if s.stopped() {
			return
		}

		status := s.botControlStatus()
		if status == store.StatusStopped {
			logger.Info("bot-control status=stopped, exiting decision loop")
			return
		}
		if status == store.StatusPaused {
			time.Sleep(time.Second)
			continue
		}

		cycleStart := time.Now()
		s.cycleActive.Store(true)
		s.enhancedExitEnabled.Store(false)

		record := s.engine.RunCycle(ctx)
		if record.Error != "" {
			logger.Warnf("cycle %d completed with error: %s", record.Number, record.Error)
		}

		s.enhancedExitEnabled.Store(true)
		s.cycleActive.Store(false)

		sleepFor := s.adaptiveInterval(ctx) - time.Since(cycleStart)
		if sleepFor < 0 {
			sleepFor = 0
		}
		s.sleepOrStop(sleepFor)
	}
}

// adaptiveInterval implements the volatility-adaptive sleep: 240s if mean
// ATR14 across coins on the 3-minute interval is below 0.3, 180s below
// 0.6, else 120s.
func (s *Scheduler) adaptiveInterval(ctx context.Context) time.Duration {
	mean := s.engine.MeanATR14(ctx)
	switch {
	case mean < 0.3:
		return s.slowInterval
	case mean < 0.6:
		return s.medInterval
	default:
		return s.fastInterval
	}
}

func (s *Scheduler) sleepOrStop(d time.Duration) {
	select {
	case <-time.After(d):
	case <-s.stopCh:
	}
}

// exitMonitorLoop is the background daemon loop: fixed interval, stands
// down whenever the decision loop holds cycle_active or has disabled it.
func (s *Scheduler) exitMonitorLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.exitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.cycleActive.Load() || !s.enhancedExitEnabled.Load() {
				continue
			}
			started := time.Now()
			s.engine.BackgroundTick(ctx)
			metrics.ExitMonitorTickSeconds.Observe(time.Since(started).Seconds())
		}
	}
}

func (s *Scheduler) botControlStatus() string {
	var ctrl store.BotControlDoc
	if err := s.store.Read(store.BotControl, &ctrl); err != nil {
		logger.Warnf("reading bot-control: %v", err)
		return store.StatusRunning
	}
	if ctrl.Status == "" {
		return store.StatusRunning
	}
	return ctrl.Status
}
