package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	testingclock "k8s.io/utils/clock/testing"

	"toolswitch-bot/backend/internal/tools"
	apperrors "toolswitch-bot/backend/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	current map[string]tools.ToolName
	saves   []tools.ToolName
	loads   int
	saveErr error
	loadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{current: make(map[string]tools.ToolName)}
}

func (f *fakeStore) LoadCurrentTool(_ context.Context, entityID string) (tools.ToolName, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return "", f.loadErr
	}
	return f.current[entityID], nil
}

func (f *fakeStore) SaveCurrentTool(_ context.Context, entityID string, tool tools.ToolName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.current[entityID] = tool
	f.saves = append(f.saves, tool)
	return nil
}

func (f *fakeStore) get(entityID string) tools.ToolName {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[entityID]
}

func (f *fakeStore) saveLog() []tools.ToolName {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tools.ToolName(nil), f.saves...)
}

func newTestRegistry(t *testing.T, store Store) (*Registry, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(t0)
	sched := NewScheduler(clk, nil)
	r := NewRegistry(tools.Chat, sched, store, nil)
	t.Cleanup(r.Close)
	return r, clk
}

func waitForDefault(t *testing.T, r *Registry, entityID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !r.Status(entityID).Active()
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_SwitchThenExpire(t *testing.T) {
	store := newFakeStore()
	r, clk := newTestRegistry(t, store)

	expired := make(chan Snapshot, 1)
	r.SetExpiryHook(func(s Snapshot) { expired <- s })

	snap, err := r.Switch(context.Background(), "user-1", tools.CryptoPrice, 180*time.Second, TriggerAuto)
	require.NoError(t, err)

	want := Snapshot{
		EntityID:         "user-1",
		ActiveTool:       tools.CryptoPrice,
		DefaultTool:      tools.Chat,
		ActivatedAt:      t0,
		ExpiresAt:        t0.Add(180 * time.Second),
		LastAutoSwitchAt: t0,
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("Switch() snapshot mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, tools.CryptoPrice, store.get("user-1"))
	assert.Equal(t, 1, r.Scheduler().Active())

	clk.Step(179 * time.Second)
	assert.True(t, r.Status("user-1").Active())

	clk.Step(time.Second)
	waitForDefault(t, r, "user-1")

	select {
	case s := <-expired:
		assert.Equal(t, tools.CryptoPrice, s.ActiveTool)
	case <-time.After(time.Second):
		t.Fatal("expiry hook was not called")
	}
	assert.Eventually(t, func() bool { return store.get("user-1") == tools.Chat }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.Scheduler().Active())
	assert.True(t, r.Status("user-1").ExpiresAt.IsZero())
}

func TestRegistry_ExtendWithoutSession(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	_, err := r.Extend(context.Background(), "user-1", 5*time.Minute)

	var noSession *apperrors.NoActiveSessionError
	require.ErrorAs(t, err, &noSession)
	assert.Equal(t, "user-1", noSession.EntityID)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeSession))
	assert.False(t, r.Status("user-1").Active())
}

func TestRegistry_ExtendAddsToDeadline(t *testing.T) {
	r, clk := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Switch(ctx, "user-1", tools.ImageGen, 300*time.Second, TriggerManual)
	require.NoError(t, err)

	clk.Step(150 * time.Second)
	ext, err := ParseExtension("2m")
	require.NoError(t, err)
	snap, err := r.Extend(ctx, "user-1", ext)
	require.NoError(t, err)

	assert.Equal(t, t0.Add(420*time.Second), snap.ExpiresAt)
	assert.Equal(t, 270*time.Second, snap.Remaining(clk.Now()))
	assert.Equal(t, 1, snap.ExtensionCount)
	assert.Equal(t, tools.ImageGen, snap.ActiveTool)
	assert.Equal(t, 1, r.Scheduler().Active(), "extend replaces the timer")

	clk.SetTime(t0.Add(300 * time.Second))
	assert.True(t, r.Status("user-1").Active(), "original deadline no longer applies")

	clk.SetTime(t0.Add(420 * time.Second))
	waitForDefault(t, r, "user-1")
}

func TestRegistry_ExtendStrictlyIncreasesDeadline(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	prev, err := r.Switch(ctx, "user-1", tools.WebSearch, time.Minute, TriggerManual)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		next, err := r.Extend(ctx, "user-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, next.ExpiresAt.After(prev.ExpiresAt))
		assert.Equal(t, prev.ActiveTool, next.ActiveTool)
		assert.Equal(t, i, next.ExtensionCount)
		prev = next
	}
}

func TestRegistry_StaleTimerAfterSwitch(t *testing.T) {
	r, clk := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Switch(ctx, "user-1", tools.CryptoPrice, time.Minute, TriggerAuto)
	require.NoError(t, err)
	stale := r.Status("user-1")
	first := r.entryFor(t, "user-1").timer

	_, err = r.Switch(ctx, "user-1", tools.WebSearch, 5*time.Minute, TriggerManual)
	require.NoError(t, err)

	// The first timer's fire arriving late must not revert the new session.
	r.revertToDefault("user-1", first)
	assert.Equal(t, tools.WebSearch, r.Status("user-1").ActiveTool)

	clk.SetTime(stale.ExpiresAt)
	assert.Equal(t, tools.WebSearch, r.Status("user-1").ActiveTool)
	assert.Equal(t, 1, r.Scheduler().Active())

	clk.SetTime(t0.Add(5 * time.Minute))
	waitForDefault(t, r, "user-1")
}

func TestRegistry_SwitchSameToolRefreshes(t *testing.T) {
	store := newFakeStore()
	r, clk := newTestRegistry(t, store)
	ctx := context.Background()

	_, err := r.Switch(ctx, "user-1", tools.FactStore, 100*time.Second, TriggerManual)
	require.NoError(t, err)
	clk.Step(50 * time.Second)
	snap, err := r.Switch(ctx, "user-1", tools.FactStore, 100*time.Second, TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, tools.FactStore, snap.ActiveTool)
	assert.Equal(t, t0.Add(150*time.Second), snap.ExpiresAt, "deadline refreshed, not doubled")
	assert.Equal(t, 1, r.Scheduler().Active(), "no stacked timers")

	clk.SetTime(t0.Add(100 * time.Second))
	assert.True(t, r.Status("user-1").Active())

	clk.SetTime(t0.Add(150 * time.Second))
	waitForDefault(t, r, "user-1")
}

func TestRegistry_SwitchResetsExtensions(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Switch(ctx, "user-1", tools.ImageGen, time.Minute, TriggerManual)
	require.NoError(t, err)
	_, err = r.Extend(ctx, "user-1", time.Minute)
	require.NoError(t, err)

	snap, err := r.Switch(ctx, "user-1", tools.WebSearch, time.Minute, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.ExtensionCount)
	assert.True(t, snap.LastAutoSwitchAt.IsZero(), "manual switches don't count as auto")
}

func TestRegistry_ReturnToDefault(t *testing.T) {
	store := newFakeStore()
	r, _ := newTestRegistry(t, store)
	ctx := context.Background()

	_, err := r.Switch(ctx, "user-1", tools.WebSearch, time.Minute, TriggerManual)
	require.NoError(t, err)

	snap, err := r.ReturnToDefault(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, snap.Active())
	assert.True(t, snap.ExpiresAt.IsZero())
	assert.Equal(t, 0, r.Scheduler().Active())

	again, err := r.ReturnToDefault(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, snap, again)
	assert.Equal(t, []tools.ToolName{tools.WebSearch, tools.Chat}, store.saveLog(), "a no-op return writes nothing")
}

func TestRegistry_SwitchToDefaultReturns(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Switch(ctx, "user-1", tools.ImageGen, time.Minute, TriggerManual)
	require.NoError(t, err)

	snap, err := r.Switch(ctx, "user-1", tools.Chat, time.Minute, TriggerManual)
	require.NoError(t, err)
	assert.False(t, snap.Active())
	assert.Equal(t, 0, r.Scheduler().Active())
}

func TestRegistry_RejectsBadInput(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Switch(ctx, "user-1", tools.ToolName("Weather"), time.Minute, TriggerManual)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeTool))

	_, err = r.Switch(ctx, "user-1", tools.WebSearch, 0, TriggerManual)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeDuration))

	_, err = r.Switch(ctx, "user-1", tools.WebSearch, time.Minute, TriggerManual)
	require.NoError(t, err)
	before := r.Status("user-1")

	_, err = r.Extend(ctx, "user-1", -time.Second)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeDuration))
	assert.Equal(t, before, r.Status("user-1"), "a rejected extension has no effect")
}

func TestRegistry_StatusHasNoSideEffects(t *testing.T) {
	r, _ := newTestRegistry(t, newFakeStore())

	snap := r.Status("nobody")
	assert.Equal(t, Snapshot{EntityID: "nobody", ActiveTool: tools.Chat, DefaultTool: tools.Chat}, snap)

	_, ok := r.entries.Load("nobody")
	assert.False(t, ok)
}

func TestRegistry_PersistenceFailureIsNotFatal(t *testing.T) {
	store := newFakeStore()
	store.saveErr = errors.New("database is locked")
	r, clk := newTestRegistry(t, store)

	snap, err := r.Switch(context.Background(), "user-1", tools.WebSearch, time.Minute, TriggerManual)
	require.NoError(t, err)
	assert.True(t, snap.Active())
	assert.Equal(t, tools.WebSearch, r.Status("user-1").ActiveTool)

	clk.Step(time.Minute)
	waitForDefault(t, r, "user-1")
}

type panickingStore struct{}

func (panickingStore) LoadCurrentTool(context.Context, string) (tools.ToolName, error) {
	panic("driver exploded")
}

func (panickingStore) SaveCurrentTool(context.Context, string, tools.ToolName) error {
	panic("driver exploded")
}

func TestRegistry_PanickingStoreIsContained(t *testing.T) {
	r, clk := newTestRegistry(t, panickingStore{})
	r.SetRestoreTimeouts(func(tools.ToolName) time.Duration { return time.Minute })

	snap, err := r.Switch(context.Background(), "user-1", tools.WebSearch, time.Minute, TriggerManual)
	require.NoError(t, err)
	assert.True(t, snap.Active())

	clk.Step(time.Minute)
	waitForDefault(t, r, "user-1")
}

func TestRegistry_StaleWriteSkipped(t *testing.T) {
	store := newFakeStore()
	r, _ := newTestRegistry(t, store)
	ctx := context.Background()

	_, err := r.Switch(ctx, "user-1", tools.WebSearch, time.Minute, TriggerManual)
	require.NoError(t, err)
	e := r.entryFor(t, "user-1")

	newer := Snapshot{EntityID: "user-1", ActiveTool: tools.ImageGen}
	older := Snapshot{EntityID: "user-1", ActiveTool: tools.FactStore}
	r.persist(ctx, e, newer, 10)
	r.persist(ctx, e, older, 9)

	assert.Equal(t, tools.ImageGen, store.get("user-1"))
}

func TestRegistry_RestoresPersistedTool(t *testing.T) {
	store := newFakeStore()
	store.current["user-1"] = tools.ImageGen
	store.current["user-2"] = tools.Chat
	store.current["user-3"] = tools.ToolName("Retired")
	r, clk := newTestRegistry(t, store)
	r.SetRestoreTimeouts(func(tools.ToolName) time.Duration { return 5 * time.Minute })

	snap := r.Restore(context.Background(), "user-1")
	assert.Equal(t, tools.ImageGen, snap.ActiveTool)
	assert.Equal(t, t0.Add(5*time.Minute), snap.ExpiresAt)
	assert.Equal(t, 1, r.Scheduler().Active())

	assert.False(t, r.Restore(context.Background(), "user-2").Active())
	assert.False(t, r.Restore(context.Background(), "user-3").Active())

	clk.Step(5 * time.Minute)
	waitForDefault(t, r, "user-1")
}

func TestRegistry_StatusSeesPersistedTool(t *testing.T) {
	store := newFakeStore()
	store.current["user-9"] = tools.ImageGen
	r, _ := newTestRegistry(t, store)
	r.SetRestoreTimeouts(func(tools.ToolName) time.Duration { return 10 * time.Minute })
	ctx := context.Background()

	status := r.Status("user-9")
	require.True(t, status.Active())
	assert.Equal(t, tools.ImageGen, status.ActiveTool)
	assert.Equal(t, t0.Add(10*time.Minute), status.ExpiresAt)
	assert.Len(t, r.ActiveSessions(), 1)

	snap, err := r.Extend(ctx, "user-9", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute), snap.ExpiresAt)
	assert.Equal(t, 1, store.loads, "restored once")
	assert.Equal(t, 1, r.Scheduler().Active())
}

func TestRegistry_RestoreLoadFailureFallsBack(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("connection refused")
	r, _ := newTestRegistry(t, store)
	r.SetRestoreTimeouts(func(tools.ToolName) time.Duration { return time.Minute })

	snap, err := r.Extend(context.Background(), "user-1", time.Minute)
	require.Error(t, err)
	assert.False(t, snap.Active())
	assert.False(t, r.Status("user-1").Active())
}

func TestRegistry_ConcurrentOperationsKeepInvariant(t *testing.T) {
	r, clk := newTestRegistry(t, newFakeStore())
	ctx := context.Background()
	toolset := []tools.ToolName{tools.CryptoPrice, tools.WebSearch, tools.ImageGen}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				entity := fmt.Sprintf("entity-%d", i%4)
				switch (g + i) % 4 {
				case 0:
					_, _ = r.Switch(ctx, entity, toolset[i%len(toolset)], time.Duration(1+i%5)*time.Second, TriggerAuto)
				case 1:
					_, _ = r.Extend(ctx, entity, time.Second)
				case 2:
					_, _ = r.ReturnToDefault(ctx, entity)
				case 3:
					clk.Step(time.Second)
				}
			}
		}(g)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for i := 0; i < 4; i++ {
			if !r.invariantHolds(fmt.Sprintf("entity-%d", i)) {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	clk.Step(time.Hour)
	require.Eventually(t, func() bool { return r.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.Scheduler().Active())
}

func TestSnapshot_JSONOmitsZeroTimes(t *testing.T) {
	data, err := json.Marshal(Snapshot{EntityID: "user-1", ActiveTool: tools.Chat, DefaultTool: tools.Chat})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entity_id":"user-1","active_tool":"Chat","default_tool":"Chat","extension_count":0}`, string(data))

	data, err = json.Marshal(Snapshot{EntityID: "user-1", ActiveTool: tools.WebSearch, DefaultTool: tools.Chat, ExpiresAt: t0})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"expires_at":"2026-03-01T09:00:00Z"`)
	assert.NotContains(t, string(data), "activated_at")
}

func TestSnapshot_Remaining(t *testing.T) {
	s := Snapshot{ActiveTool: tools.WebSearch, DefaultTool: tools.Chat, ExpiresAt: t0.Add(time.Minute)}
	assert.Equal(t, time.Minute, s.Remaining(t0))
	assert.Equal(t, time.Duration(0), s.Remaining(t0.Add(2*time.Minute)))

	s.ActiveTool = tools.Chat
	assert.Equal(t, time.Duration(0), s.Remaining(t0))
}

func (r *Registry) entryFor(t *testing.T, entityID string) *entry {
	t.Helper()
	v, ok := r.entries.Load(entityID)
	require.True(t, ok)
	return v.(*entry)
}

// invariantHolds reports whether the entity is active exactly when it has a
// live timer the scheduler still considers current
func (r *Registry) invariantHolds(entityID string) bool {
	v, ok := r.entries.Load(entityID)
	if !ok {
		return true
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Active() {
		return e.timer != nil && r.scheduler.IsCurrent(e.timer)
	}
	return e.timer == nil
}
