package session

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"toolswitch-bot/backend/pkg/logger"
)

const (
	shardCount = 32

	// defaultRetryDelay is how long a timer whose callback panicked waits
	// before firing again.
	defaultRetryDelay = 30 * time.Second
)

// FireFunc is invoked when a timer elapses. It runs on its own goroutine
// and must check that h is still the entity's current handle before acting.
type FireFunc func(entityID string, h *TimerHandle)

// TimerHandle identifies one armed timer. Generation increases every time a
// timer is armed for the same entity, so a handle from an earlier arm can be
// recognised as stale even if its fire races a cancellation.
type TimerHandle struct {
	EntityID   string
	Generation uint64
	ID         string
	Deadline   time.Time

	timer  clock.Timer
	onFire FireFunc
}

func (h *TimerHandle) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d", h.EntityID, h.Generation)
}

type schedulerShard struct {
	mu          sync.Mutex
	current     map[string]*TimerHandle
	generations map[string]uint64
}

// Scheduler keeps at most one timer per entity. Entities are spread over
// sharded locks so arming for one entity never waits on another's shard
// beyond a map update.
type Scheduler struct {
	clock      clock.WithDelayedExecution
	shards     [shardCount]schedulerShard
	retryDelay time.Duration
	stopped    atomic.Bool
	logger     *zap.Logger
}

// NewScheduler creates a scheduler. A nil clock uses wall time.
func NewScheduler(clk clock.WithDelayedExecution, log *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Scheduler{
		clock:      clk,
		retryDelay: defaultRetryDelay,
		logger:     logger.OrNop(log),
	}
	for i := range s.shards {
		s.shards[i].current = make(map[string]*TimerHandle)
		s.shards[i].generations = make(map[string]uint64)
	}
	return s
}

// Clock returns the clock timers are scheduled on
func (s *Scheduler) Clock() clock.WithDelayedExecution {
	return s.clock
}

func (s *Scheduler) shard(entityID string) *schedulerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return &s.shards[h.Sum32()%shardCount]
}

// Arm schedules onFire for deadline, replacing (and stopping) any timer the
// entity already had. Replacement and installation happen under one lock, so
// the previous timer can never be mistaken for current afterwards.
func (s *Scheduler) Arm(entityID string, deadline time.Time, onFire FireFunc) *TimerHandle {
	sh := s.shard(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if prev := sh.current[entityID]; prev != nil {
		stopTimer(prev)
		delete(sh.current, entityID)
	}

	sh.generations[entityID]++
	h := &TimerHandle{
		EntityID:   entityID,
		Generation: sh.generations[entityID],
		ID:         uuid.NewString(),
		Deadline:   deadline,
		onFire:     onFire,
	}
	if s.stopped.Load() {
		s.logger.Warn("Scheduler stopped, timer will not fire", zap.String("handle", h.String()))
		return h
	}

	delay := deadline.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	h.timer = s.clock.AfterFunc(delay, func() { s.fire(h) })
	sh.current[entityID] = h

	s.logger.Debug("Timer armed",
		zap.String("handle", h.String()),
		zap.String("timer_id", h.ID),
		zap.Duration("delay", delay),
	)
	return h
}

// Cancel stops h, or its retry, if it is still the entity's current timer.
// Cancelling a stale or nil handle is a no-op.
func (s *Scheduler) Cancel(h *TimerHandle) {
	if h == nil {
		return
	}
	sh := s.shard(h.EntityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.generations[h.EntityID] == h.Generation {
		// Invalidate the generation even if the timer already fired, so a
		// retry of a failed callback can't resurrect it.
		sh.generations[h.EntityID]++
	}
	cur := sh.current[h.EntityID]
	if cur == nil || cur.Generation != h.Generation {
		return
	}
	stopTimer(cur)
	delete(sh.current, h.EntityID)
	s.logger.Debug("Timer cancelled", zap.String("handle", h.String()))
}

// IsCurrent reports whether h is the most recently armed timer for its
// entity and has not been cancelled
func (s *Scheduler) IsCurrent(h *TimerHandle) bool {
	if h == nil {
		return false
	}
	sh := s.shard(h.EntityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.generations[h.EntityID] == h.Generation
}

// Active returns the number of armed, unfired timers
func (s *Scheduler) Active() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.current)
		sh.mu.Unlock()
	}
	return n
}

// Stop cancels every outstanding timer; later Arm calls never fire
func (s *Scheduler) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	stoppedTimers := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, h := range sh.current {
			stopTimer(h)
			delete(sh.current, id)
			sh.generations[id]++
			stoppedTimers++
		}
		sh.mu.Unlock()
	}
	s.logger.Info("Scheduler stopped", zap.Int("cancelled_timers", stoppedTimers))
}

func (s *Scheduler) fire(h *TimerHandle) {
	sh := s.shard(h.EntityID)
	sh.mu.Lock()
	if sh.current[h.EntityID] != h {
		sh.mu.Unlock()
		s.logger.Debug("Discarded stale timer fire", zap.String("handle", h.String()))
		return
	}
	delete(sh.current, h.EntityID)
	sh.mu.Unlock()

	if ok := s.invoke(h); !ok {
		s.retry(h)
	}
}

// invoke runs the callback, converting a panic into a logged failure
func (s *Scheduler) invoke(h *TimerHandle) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Timer callback panicked",
				zap.String("handle", h.String()),
				zap.Any("panic", r),
			)
			ok = false
		}
	}()
	h.onFire(h.EntityID, h)
	return true
}

// retry re-installs a timer whose callback failed, keeping its generation so
// the owner still recognises it, unless something newer was armed meanwhile
func (s *Scheduler) retry(h *TimerHandle) {
	if s.stopped.Load() {
		return
	}
	sh := s.shard(h.EntityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.generations[h.EntityID] != h.Generation || sh.current[h.EntityID] != nil {
		return
	}
	next := &TimerHandle{
		EntityID:   h.EntityID,
		Generation: h.Generation,
		ID:         h.ID,
		Deadline:   s.clock.Now().Add(s.retryDelay),
		onFire:     h.onFire,
	}
	next.timer = s.clock.AfterFunc(s.retryDelay, func() { s.fire(next) })
	sh.current[h.EntityID] = next
	s.logger.Warn("Timer callback failed, retrying",
		zap.String("handle", next.String()),
		zap.Duration("retry_in", s.retryDelay),
	)
}

func stopTimer(h *TimerHandle) {
	if h.timer != nil {
		h.timer.Stop()
	}
}
