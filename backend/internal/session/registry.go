// Package session owns the per-entity "active tool" state: which tool an
// entity is routed to, when that expires and the timers that enforce it.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"toolswitch-bot/backend/internal/tools"
	apperrors "toolswitch-bot/backend/pkg/errors"
	"toolswitch-bot/backend/pkg/logger"
)

const defaultPersistTimeout = 5 * time.Second

// Trigger records who asked for a switch
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerAuto
)

func (t Trigger) String() string {
	if t == TriggerAuto {
		return "auto"
	}
	return "manual"
}

// Store persists the current tool per entity. Writes are best effort: the
// in-memory registry stays authoritative when they fail.
type Store interface {
	LoadCurrentTool(ctx context.Context, entityID string) (tools.ToolName, error)
	SaveCurrentTool(ctx context.Context, entityID string, tool tools.ToolName) error
}

// PersistedTool is one stored current-tool row, as listed by a Store for
// the admin API
type PersistedTool struct {
	EntityID  string         `json:"entity_id"`
	Tool      tools.ToolName `json:"tool"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Snapshot is an immutable copy of one entity's session
type Snapshot struct {
	EntityID         string         `json:"entity_id"`
	ActiveTool       tools.ToolName `json:"active_tool"`
	DefaultTool      tools.ToolName `json:"default_tool"`
	ActivatedAt      time.Time      `json:"activated_at,omitzero"`
	ExpiresAt        time.Time      `json:"expires_at,omitzero"`
	ExtensionCount   int            `json:"extension_count"`
	LastAutoSwitchAt time.Time      `json:"last_auto_switch_at,omitzero"`
}

// Active reports whether the entity is on a non-default tool
func (s Snapshot) Active() bool {
	return s.ActiveTool != s.DefaultTool
}

// Remaining is the time left before the session reverts, zero when inactive
func (s Snapshot) Remaining(now time.Time) time.Duration {
	if !s.Active() || s.ExpiresAt.IsZero() {
		return 0
	}
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

type entry struct {
	mu      sync.Mutex
	session Snapshot
	timer   *TimerHandle
	version uint64

	persistMu sync.Mutex
	persisted uint64 // highest version handed to the store
}

// commitLocked bumps the version and returns what should be persisted.
// Callers hold e.mu.
func (e *entry) commitLocked() (Snapshot, uint64) {
	e.version++
	return e.session, e.version
}

// Registry is the concurrent map of entity sessions. Operations on one
// entity are serialized by that entity's mutex; entities never contend.
type Registry struct {
	entries        sync.Map // entityID -> *entry
	defaultTool    tools.ToolName
	scheduler      *Scheduler
	store          Store
	persistTimeout time.Duration
	restoreTimeout func(tools.ToolName) time.Duration
	onExpire       func(Snapshot)
	restores       singleflight.Group
	logger         *zap.Logger
}

// NewRegistry creates a registry. store may be nil to run memory-only.
func NewRegistry(defaultTool tools.ToolName, scheduler *Scheduler, store Store, log *zap.Logger) *Registry {
	if scheduler == nil {
		scheduler = NewScheduler(nil, log)
	}
	return &Registry{
		defaultTool:    defaultTool,
		scheduler:      scheduler,
		store:          store,
		persistTimeout: defaultPersistTimeout,
		logger:         logger.OrNop(log),
	}
}

// SetPersistTimeout bounds each store call
func (r *Registry) SetPersistTimeout(d time.Duration) {
	if d > 0 {
		r.persistTimeout = d
	}
}

// SetRestoreTimeouts supplies the timeout used when a persisted tool is
// reactivated after a restart. Without it restoring is disabled.
func (r *Registry) SetRestoreTimeouts(fn func(tools.ToolName) time.Duration) {
	r.restoreTimeout = fn
}

// SetExpiryHook registers a function called after a timer reverts a session
func (r *Registry) SetExpiryHook(fn func(Snapshot)) {
	r.onExpire = fn
}

// DefaultTool returns the tool entities fall back to
func (r *Registry) DefaultTool() tools.ToolName {
	return r.defaultTool
}

// Scheduler returns the scheduler backing the registry's timers
func (r *Registry) Scheduler() *Scheduler {
	return r.scheduler
}

func (r *Registry) now() time.Time {
	return r.scheduler.Clock().Now()
}

func (r *Registry) defaultSnapshot(entityID string) Snapshot {
	return Snapshot{EntityID: entityID, ActiveTool: r.defaultTool, DefaultTool: r.defaultTool}
}

// Switch routes entityID to tool until timeout elapses. Switching to the
// tool that is already active refreshes the deadline; switching to the
// default tool is the same as ReturnToDefault.
func (r *Registry) Switch(ctx context.Context, entityID string, tool tools.ToolName, timeout time.Duration, trigger Trigger) (Snapshot, error) {
	if !tool.Valid() {
		return Snapshot{}, apperrors.NewUnknownTool(string(tool))
	}
	if tool == r.defaultTool {
		return r.ReturnToDefault(ctx, entityID)
	}
	if timeout <= 0 {
		return Snapshot{}, apperrors.NewInvalidDuration(timeout.String(), nil)
	}

	e := r.entry(ctx, entityID)
	e.mu.Lock()
	now := r.now()
	e.session.ActiveTool = tool
	e.session.ActivatedAt = now
	e.session.ExpiresAt = now.Add(timeout)
	e.session.ExtensionCount = 0
	if trigger == TriggerAuto {
		e.session.LastAutoSwitchAt = now
	}
	r.armLocked(e)
	snap, version := e.commitLocked()
	e.mu.Unlock()

	r.logger.Info("Switched tool",
		zap.String("entity_id", entityID),
		zap.String("tool", tool.String()),
		zap.String("trigger", trigger.String()),
		zap.Time("expires_at", snap.ExpiresAt),
	)
	r.persist(ctx, e, snap, version)
	return snap, nil
}

// Extend pushes the active session's deadline back by d
func (r *Registry) Extend(ctx context.Context, entityID string, d time.Duration) (Snapshot, error) {
	if d <= 0 {
		return Snapshot{}, apperrors.NewInvalidDuration(d.String(), nil)
	}

	e := r.entry(ctx, entityID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.session.Active() {
		return Snapshot{}, apperrors.NewNoActiveSession(entityID)
	}
	e.session.ExpiresAt = e.session.ExpiresAt.Add(d)
	e.session.ExtensionCount++
	r.armLocked(e)
	snap, _ := e.commitLocked()

	r.logger.Info("Extended tool session",
		zap.String("entity_id", entityID),
		zap.String("tool", snap.ActiveTool.String()),
		zap.Duration("extension", d),
		zap.Int("extension_count", snap.ExtensionCount),
		zap.Time("expires_at", snap.ExpiresAt),
	)
	return snap, nil
}

// ReturnToDefault cancels the entity's session. It always succeeds.
func (r *Registry) ReturnToDefault(ctx context.Context, entityID string) (Snapshot, error) {
	e := r.entry(ctx, entityID)
	e.mu.Lock()
	if !e.session.Active() {
		snap := e.session
		e.mu.Unlock()
		return snap, nil
	}
	r.scheduler.Cancel(e.timer)
	previous := e.session.ActiveTool
	r.resetLocked(e)
	snap, version := e.commitLocked()
	e.mu.Unlock()

	r.logger.Info("Returned to default tool",
		zap.String("entity_id", entityID),
		zap.String("previous_tool", previous.String()),
	)
	r.persist(ctx, e, snap, version)
	return snap, nil
}

// Status returns the entity's session. An entity not yet seen by this
// process reports its persisted tool, restored the same way the first
// mutating operation would restore it; with nothing persisted no entry is
// created.
func (r *Registry) Status(entityID string) Snapshot {
	var e *entry
	if v, ok := r.entries.Load(entityID); ok {
		e = v.(*entry)
	} else {
		restored := r.loadPersisted(context.Background(), entityID)
		if restored == "" {
			return r.defaultSnapshot(entityID)
		}
		e = r.install(entityID, restored)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// ActiveSessions returns snapshots of every entity currently on a
// non-default tool
func (r *Registry) ActiveSessions() []Snapshot {
	var out []Snapshot
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.session.Active() {
			out = append(out, e.session)
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// ActiveCount returns the number of entities on a non-default tool
func (r *Registry) ActiveCount() int {
	return len(r.ActiveSessions())
}

// Close cancels every pending timer. Sessions keep their state so the
// persisted tools can be restored by the next process.
func (r *Registry) Close() {
	r.scheduler.Stop()
}

// Restore loads entityID's persisted tool if the entity hasn't been seen
// yet in this process
func (r *Registry) Restore(ctx context.Context, entityID string) Snapshot {
	e := r.entry(ctx, entityID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// armLocked replaces the entity's timer with one for its current deadline
func (r *Registry) armLocked(e *entry) {
	e.timer = r.scheduler.Arm(e.session.EntityID, e.session.ExpiresAt, r.revertToDefault)
}

func (r *Registry) resetLocked(e *entry) {
	e.session.ActiveTool = r.defaultTool
	e.session.ActivatedAt = time.Time{}
	e.session.ExpiresAt = time.Time{}
	e.session.ExtensionCount = 0
	e.timer = nil
}

// revertToDefault is the timer callback. A fire whose generation no longer
// matches the entity's timer lost a race with Switch, Extend or Return and is
// dropped.
func (r *Registry) revertToDefault(entityID string, h *TimerHandle) {
	v, ok := r.entries.Load(entityID)
	if !ok {
		return
	}
	e := v.(*entry)

	e.mu.Lock()
	if e.timer == nil || e.timer.Generation != h.Generation || !e.session.Active() {
		e.mu.Unlock()
		r.logger.Debug("Discarded stale timeout", zap.String("handle", h.String()))
		return
	}
	expired := e.session.ActiveTool
	r.resetLocked(e)
	snap, version := e.commitLocked()
	e.mu.Unlock()

	r.logger.Info("Tool session expired",
		zap.String("entity_id", entityID),
		zap.String("tool", expired.String()),
	)
	r.persist(context.Background(), e, snap, version)
	if r.onExpire != nil {
		expiredSnap := snap
		expiredSnap.ActiveTool = expired
		r.onExpire(expiredSnap)
	}
}

// entry returns the entity's entry, creating it (and restoring any persisted
// tool) on first use
func (r *Registry) entry(ctx context.Context, entityID string) *entry {
	if v, ok := r.entries.Load(entityID); ok {
		return v.(*entry)
	}

	return r.install(entityID, r.loadPersisted(ctx, entityID))
}

// install stores a fresh entry for entityID, activating restored when it is
// set and nobody got there first
func (r *Registry) install(entityID string, restored tools.ToolName) *entry {
	fresh := &entry{session: r.defaultSnapshot(entityID)}
	v, loaded := r.entries.LoadOrStore(entityID, fresh)
	e := v.(*entry)
	if loaded || restored == "" {
		return e
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.version != 0 {
		// Someone mutated the entry between store and lock; their state wins.
		return e
	}
	timeout := r.restoreTimeout(restored)
	if timeout <= 0 {
		return e
	}
	now := r.now()
	e.session.ActiveTool = restored
	e.session.ActivatedAt = now
	e.session.ExpiresAt = now.Add(timeout)
	r.armLocked(e)
	e.version = 1
	e.persisted = 1
	r.logger.Info("Restored persisted tool",
		zap.String("entity_id", entityID),
		zap.String("tool", restored.String()),
		zap.Time("expires_at", e.session.ExpiresAt),
	)
	return e
}

// loadPersisted reads the stored tool once per entity even when many
// goroutines touch a new entity at the same time. It returns "" when there is
// nothing worth restoring.
func (r *Registry) loadPersisted(ctx context.Context, entityID string) tools.ToolName {
	if r.store == nil || r.restoreTimeout == nil {
		return ""
	}
	v, _, _ := r.restores.Do(entityID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
		defer cancel()

		tool, err := r.safeLoad(ctx, entityID)
		if err != nil {
			r.logger.Warn("Failed to load persisted tool",
				zap.String("entity_id", entityID),
				zap.Error(apperrors.NewPersistenceError("load", entityID, err)),
			)
			return tools.ToolName(""), nil
		}
		return tool, nil
	})
	tool, _ := v.(tools.ToolName)
	if tool == "" || tool == r.defaultTool || !tool.Valid() {
		return ""
	}
	return tool
}

// persist writes snap unless a newer version has already been written.
// It runs outside the entity state lock and never fails the caller.
func (r *Registry) persist(ctx context.Context, e *entry, snap Snapshot, version uint64) {
	if r.store == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if version <= e.persisted {
		return
	}
	e.persisted = version

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()
	if err := r.safeSave(ctx, snap.EntityID, snap.ActiveTool); err != nil {
		r.logger.Warn("Failed to persist current tool",
			zap.String("entity_id", snap.EntityID),
			zap.String("tool", snap.ActiveTool.String()),
			zap.Error(apperrors.NewPersistenceError("save", snap.EntityID, err)),
		)
	}
}

func (r *Registry) safeSave(ctx context.Context, entityID string, tool tools.ToolName) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("store panicked: %v", rec)
		}
	}()
	return r.store.SaveCurrentTool(ctx, entityID, tool)
}

func (r *Registry) safeLoad(ctx context.Context, entityID string) (tool tools.ToolName, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("store panicked: %v", rec)
		}
	}()
	return r.store.LoadCurrentTool(ctx, entityID)
}
