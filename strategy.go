package usagesync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SyncStrategy is the lifecycle contract shared by the one-time, periodic and
// realtime variants. Strategies move idle -> active -> idle; stopping always
// performs a final synchronization attempt before fully idling.
type SyncStrategy interface {
	// Initialize validates the strategy before start.
	Initialize(ctx context.Context) error

	// Start activates the strategy. A failed initial sync aborts startup.
	Start(ctx context.Context) error

	// Stop deactivates the strategy, waits for any in-flight cycle, and
	// performs one final sync.
	Stop(ctx context.Context) error

	// ForceSync runs one cycle immediately, outside the schedule.
	ForceSync(ctx context.Context) error

	// IsActive reports whether the strategy is currently active.
	IsActive() bool
}

// OneTimeStrategy performs exactly one sync and returns to idle.
type OneTimeStrategy struct {
	engine *SyncEngine
	cmd    CommandContext

	mu     sync.Mutex
	active bool
	done   bool
}

// NewOneTimeStrategy creates a one-time strategy.
func NewOneTimeStrategy(engine *SyncEngine, cmd CommandContext) *OneTimeStrategy {
	return &OneTimeStrategy{engine: engine, cmd: cmd}
}

func (s *OneTimeStrategy) Initialize(ctx context.Context) error {
	return nil
}

// Start runs the single sync cycle and immediately returns to idle.
func (s *OneTimeStrategy) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrSyncInProgress
	}
	s.active = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = false
		s.done = true
		s.mu.Unlock()
	}()

	_, err := s.engine.runCycle(ctx, s.cmd)
	return err
}

// Stop is a no-op once the single sync has completed; before that it triggers
// one more sync.
func (s *OneTimeStrategy) Stop(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done {
		return nil
	}
	_, err := s.engine.runCycle(ctx, s.cmd)
	return err
}

func (s *OneTimeStrategy) ForceSync(ctx context.Context) error {
	_, err := s.engine.runCycle(ctx, s.cmd)
	return err
}

func (s *OneTimeStrategy) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// PeriodicStrategy syncs on a fixed interval. The timer goroutine is joined
// before the final sync on stop, so no tick can fire after Stop returns.
type PeriodicStrategy struct {
	engine   *SyncEngine
	cmd      CommandContext
	interval time.Duration

	mu       sync.Mutex
	active   bool
	starting bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPeriodicStrategy creates a periodic strategy.
func NewPeriodicStrategy(engine *SyncEngine, cmd CommandContext, interval time.Duration) *PeriodicStrategy {
	return &PeriodicStrategy{engine: engine, cmd: cmd, interval: interval}
}

func (s *PeriodicStrategy) Initialize(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("periodic strategy requires a positive interval")
	}
	return nil
}

// Start performs the initial sync and arms the recurring timer. An initial
// sync failure aborts startup and leaves the strategy idle. The busy claim is
// taken before the initial sync, so a concurrent second Start fails instead
// of racing it.
func (s *PeriodicStrategy) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active || s.starting {
		s.mu.Unlock()
		return ErrSyncInProgress
	}
	s.starting = true
	s.mu.Unlock()

	if _, err := s.engine.runCycle(ctx, s.cmd); err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.starting = false
	s.active = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(s.stop)
	return nil
}

func (s *PeriodicStrategy) loop(stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Tick failures never escape the loop; the timer keeps running.
			if _, err := s.engine.runCycle(context.Background(), s.cmd); err != nil {
				s.engine.logger.Error("periodic sync failed", "command", s.cmd.Command, "err", err)
			}
		}
	}
}

// Stop disarms the timer, waits for an in-flight tick to finish, and performs
// one final sync.
func (s *PeriodicStrategy) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()

	_, err := s.engine.runCycle(ctx, s.cmd)
	return err
}

func (s *PeriodicStrategy) ForceSync(ctx context.Context) error {
	_, err := s.engine.runCycle(ctx, s.cmd)
	return err
}

func (s *PeriodicStrategy) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// RealtimeStrategy is periodic sync plus a live subscription to the active
// session path for push-style freshness. The subscription is canceled before
// the final sync on stop.
type RealtimeStrategy struct {
	engine    *SyncEngine
	cmd       CommandContext
	interval  time.Duration
	watchPath string

	mu       sync.Mutex
	active   bool
	starting bool
	stop     chan struct{}
	cancel   context.CancelFunc
	sub      *WatchSubscription
	wg       sync.WaitGroup
}

// NewRealtimeStrategy creates a realtime strategy watching the active session
// path.
func NewRealtimeStrategy(engine *SyncEngine, cmd CommandContext, interval time.Duration) *RealtimeStrategy {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RealtimeStrategy{
		engine:    engine,
		cmd:       cmd,
		interval:  interval,
		watchPath: ActiveSessionPath,
	}
}

func (s *RealtimeStrategy) Initialize(ctx context.Context) error {
	if s.engine.watcher == nil {
		return errors.New("realtime strategy requires a watcher")
	}
	return nil
}

// Start performs the initial sync, opens the live subscription and arms the
// periodic fallback timer.
func (s *RealtimeStrategy) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active || s.starting {
		s.mu.Unlock()
		return ErrSyncInProgress
	}
	s.starting = true
	s.mu.Unlock()

	if _, err := s.engine.runCycle(ctx, s.cmd); err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	sub, err := s.engine.watcher.Watch(watchCtx, s.watchPath)
	if err != nil {
		// Push freshness is an optimization; periodic ticks still cover
		// correctness.
		s.engine.logger.Warn("live subscription unavailable, falling back to timer only",
			"path", s.watchPath, "err", err)
		sub = nil
	}

	s.mu.Lock()
	s.starting = false
	s.active = true
	s.stop = make(chan struct{})
	s.cancel = cancel
	s.sub = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(s.stop, sub)
	return nil
}

func (s *RealtimeStrategy) loop(stop <-chan struct{}, sub *WatchSubscription) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var events <-chan DocumentChangeEvent
	if sub != nil {
		events = sub.C()
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.engine.logger.Debug("live update received", "path", ev.Path, "type", string(ev.Type))
			s.tick()
		}
	}
}

func (s *RealtimeStrategy) tick() {
	if _, err := s.engine.runCycle(context.Background(), s.cmd); err != nil {
		s.engine.logger.Error("realtime sync failed", "command", s.cmd.Command, "err", err)
	}
}

// Stop cancels the subscription, joins the loop, and performs one final sync.
func (s *RealtimeStrategy) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	close(s.stop)
	cancel := s.cancel
	sub := s.sub
	s.mu.Unlock()

	s.wg.Wait()
	if sub != nil {
		sub.Close()
	}
	if cancel != nil {
		cancel()
	}

	_, err := s.engine.runCycle(ctx, s.cmd)
	return err
}

func (s *RealtimeStrategy) ForceSync(ctx context.Context) error {
	_, err := s.engine.runCycle(ctx, s.cmd)
	return err
}

func (s *RealtimeStrategy) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
