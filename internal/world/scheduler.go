// Package world drives the game-facing side of the transport core: the
// handshake gate every connection passes through and the tick scheduler
// that flushes outbound traffic and triggers persistence.
package world

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/realmgate/internal/clock"
	"github.com/cory-johannsen/realmgate/internal/network/delivery"
)

const (
	DefaultUpdateInterval = 300 * time.Millisecond
	DefaultSaveInterval   = 60000 * time.Millisecond
)

// Flusher drains the outbound queues once per tick.
type Flusher interface {
	Flush() delivery.FlushStats
}

// Saver is the persistence hook run on the save cadence.
type Saver interface {
	Save(ctx context.Context) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context) error

// Save calls f(ctx).
func (f SaverFunc) Save(ctx context.Context) error { return f(ctx) }

// Scheduler runs two independent periodic loops: flush and save.
//
// Invariant: stopping one loop never affects the other.
type Scheduler struct {
	updateInterval time.Duration
	saveInterval   time.Duration
	flusher        Flusher
	saver          Saver
	clock          clock.Clock
	logger         *zap.Logger

	mu          sync.Mutex
	started     bool
	flushTimer  clock.Timer
	saveTimer   clock.Timer
	flushHalted bool
	saveHalted  bool
	detach      func() bool
	wg          sync.WaitGroup
}

// NewScheduler creates a stopped Scheduler.
//
// Precondition: flusher and logger must be non-nil. saver may be nil, in
// which case the save loop does not run. clk may be nil for the wall clock.
// Postcondition: Non-positive intervals fall back to 300ms and 60s.
func NewScheduler(updateInterval, saveInterval time.Duration, flusher Flusher, saver Saver, clk clock.Clock, logger *zap.Logger) *Scheduler {
	if updateInterval <= 0 {
		updateInterval = DefaultUpdateInterval
	}
	if saveInterval <= 0 {
		saveInterval = DefaultSaveInterval
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		updateInterval: updateInterval,
		saveInterval:   saveInterval,
		flusher:        flusher,
		saver:          saver,
		clock:          clk,
		logger:         logger,
	}
}

// Start arms both loops. They run until ctx is cancelled or they are
// stopped individually. Calling Start again is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.flushTimer = clock.Repeat(s.clock, s.updateInterval, s.tick(&s.flushHalted, s.flush))
	if s.saver != nil {
		s.saveTimer = clock.Repeat(s.clock, s.saveInterval, s.tick(&s.saveHalted, func() { s.save(ctx) }))
	}
	s.detach = context.AfterFunc(ctx, s.halt)

	s.logger.Info("world scheduler started",
		zap.Duration("update_interval", s.updateInterval),
		zap.Duration("save_interval", s.saveInterval),
	)
}

// tick wraps fn so that it is skipped once its loop is halted and so that
// Stop can wait for a call in progress.
func (s *Scheduler) tick(halted *bool, fn func()) func() {
	return func() {
		s.mu.Lock()
		if *halted {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()
		fn()
	}
}

func (s *Scheduler) flush() {
	stats := s.flusher.Flush()
	if stats.Dropped > 0 {
		s.logger.Debug("dropped orphaned queues", zap.Int("dropped", stats.Dropped))
	}
}

func (s *Scheduler) save(ctx context.Context) {
	if err := s.saver.Save(ctx); err != nil {
		s.logger.Error("periodic save failed", zap.Error(err))
	}
}

// StopFlush cancels the flush loop only.
func (s *Scheduler) StopFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushHalted = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
}

// StopSave cancels the save loop only.
func (s *Scheduler) StopSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveHalted = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
}

func (s *Scheduler) halt() {
	s.StopFlush()
	s.StopSave()
}

// Stop cancels both loops and waits for any call in progress to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	detach := s.detach
	s.mu.Unlock()
	if detach != nil {
		detach()
	}
	s.halt()
	s.wg.Wait()
}
