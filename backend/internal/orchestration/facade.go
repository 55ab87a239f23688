// Package orchestration is the single entry point the chat and admin layers
// use: it ties message classification to the session registry and exposes
// the command operations.
package orchestration

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"toolswitch-bot/backend/internal/detect"
	"toolswitch-bot/backend/internal/sensitivity"
	"toolswitch-bot/backend/internal/session"
	"toolswitch-bot/backend/internal/store"
	"toolswitch-bot/backend/internal/tools"
	"toolswitch-bot/backend/pkg/logger"
)

// Rules is the live, editable sensitivity configuration
type Rules interface {
	Current() *sensitivity.Config
	Set(target, field, value string) (*sensitivity.Config, error)
}

// Auditor records admin edits of the sensitivity rules
type Auditor interface {
	RecordSensitivityChange(ctx context.Context, c store.SensitivityChange) error
}

// Facade coordinates the classifier and the session registry
type Facade struct {
	rules         Rules
	classifier    *detect.Classifier
	registry      *session.Registry
	metrics       *Metrics
	auditor       Auditor
	sharedHistory bool
	logger        *zap.Logger

	// entityID -> *sync.Mutex; classify, switch and record run as one step
	messageLocks sync.Map
}

// New creates a facade. The registry's expiry hook is taken over to feed
// metrics.
func New(rules Rules, classifier *detect.Classifier, registry *session.Registry, log *zap.Logger) *Facade {
	f := &Facade{
		rules:      rules,
		classifier: classifier,
		registry:   registry,
		logger:     logger.OrNop(log),
	}
	registry.SetRestoreTimeouts(func(t tools.ToolName) time.Duration {
		return f.rules.Current().Timeout(t)
	})
	registry.SetExpiryHook(f.onExpire)
	return f
}

// SetMetrics attaches Prometheus collectors
func (f *Facade) SetMetrics(m *Metrics) {
	f.metrics = m
}

// SetAuditor attaches an audit log for sensitivity edits
func (f *Facade) SetAuditor(a Auditor) {
	f.auditor = a
}

// SetSharedHistory makes guild messages share one session per guild
func (f *Facade) SetSharedHistory(shared bool) {
	f.sharedHistory = shared
}

// Registry returns the underlying session registry
func (f *Facade) Registry() *session.Registry {
	return f.registry
}

// EntityFor picks the key sessions are tracked under: the guild when shared
// history is on and the message came from a guild, otherwise the user
func (f *Facade) EntityFor(userID, guildID string) string {
	if f.sharedHistory && guildID != "" {
		return "guild:" + guildID
	}
	return "user:" + userID
}

// HandleMessage classifies text and, on a confident match, switches the
// entity to the detected tool. It reports whether a switch happened so the
// caller can announce it. Detection problems never surface as errors.
func (f *Facade) HandleMessage(ctx context.Context, entityID, text string) (bool, tools.ToolName, detect.Result) {
	unlock := f.lockEntity(entityID)
	defer unlock()

	res := f.classifier.Classify(entityID, text)
	f.metrics.observeDetection(res)
	if !res.Detected() {
		return false, "", res
	}

	timeout := f.rules.Current().Timeout(res.Tool)
	if _, err := f.registry.Switch(ctx, entityID, res.Tool, timeout, session.TriggerAuto); err != nil {
		f.logger.Warn("Auto switch failed",
			zap.String("entity_id", entityID),
			zap.String("tool", res.Tool.String()),
			zap.Error(err),
		)
		return false, "", res
	}
	f.classifier.RecordActivation(entityID, res.Tool)
	f.metrics.observeSwitch(res.Tool.String(), session.TriggerAuto.String())

	f.logger.Info("Tool auto-enabled",
		zap.String("entity_id", entityID),
		zap.String("tool", res.Tool.String()),
		zap.Float64("confidence", res.Confidence),
		zap.Strings("matched", res.MatchedKeywords),
		zap.Duration("timeout", timeout),
	)
	return true, res.Tool, res
}

// lockEntity serializes message handling for one entity so the cooldown a
// message is checked against already includes the previous message's switch
func (f *Facade) lockEntity(entityID string) func() {
	v, _ := f.messageLocks.LoadOrStore(entityID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ActiveTool returns the tool entityID should be routed to, restoring a
// persisted session on first contact
func (f *Facade) ActiveTool(ctx context.Context, entityID string) tools.ToolName {
	return f.registry.Restore(ctx, entityID).ActiveTool
}

// TimeoutStatus reports the entity's session without changing it
func (f *Facade) TimeoutStatus(entityID string) TimeoutStatus {
	return f.status(f.registry.Status(entityID))
}

// ExtendTimeout adds a user-supplied duration such as "5m" to the active
// session
func (f *Facade) ExtendTimeout(ctx context.Context, entityID, duration string) (TimeoutStatus, error) {
	d, err := session.ParseExtension(duration)
	if err != nil {
		return TimeoutStatus{}, err
	}
	snap, err := f.registry.Extend(ctx, entityID, d)
	if err != nil {
		return TimeoutStatus{}, err
	}
	f.metrics.observeExtension(snap.ActiveTool.String())
	return f.status(snap), nil
}

// ReturnToDefault ends the entity's session immediately
func (f *Facade) ReturnToDefault(ctx context.Context, entityID string) (TimeoutStatus, error) {
	before := f.registry.Status(entityID)
	snap, err := f.registry.ReturnToDefault(ctx, entityID)
	if err != nil {
		return TimeoutStatus{}, err
	}
	if before.Active() {
		f.metrics.observeReturn()
	}
	return f.status(snap), nil
}

// SwitchTool manually routes the entity to a named tool for that tool's
// configured timeout. Naming the default tool returns to it.
func (f *Facade) SwitchTool(ctx context.Context, entityID, name string) (TimeoutStatus, error) {
	tool, err := tools.Parse(name)
	if err != nil {
		return TimeoutStatus{}, err
	}
	snap, err := f.registry.Switch(ctx, entityID, tool, f.rules.Current().Timeout(tool), session.TriggerManual)
	if err != nil {
		return TimeoutStatus{}, err
	}
	if snap.Active() {
		f.metrics.observeSwitch(tool.String(), session.TriggerManual.String())
	}
	return f.status(snap), nil
}

// SystemStatus summarizes the engine for auto_return_status
func (f *Facade) SystemStatus() SystemStatus {
	cfg := f.rules.Current()
	sessions := f.registry.ActiveSessions()
	return SystemStatus{
		DefaultTool:      f.registry.DefaultTool(),
		DetectionEnabled: cfg != nil && cfg.Global.Enabled,
		DefaultTimeout:   cfg.Timeout(""),
		Tools:            cfg.Table(),
		ActiveTimers:     f.registry.Scheduler().Active(),
		ActiveSessions:   len(sessions),
		Sessions:         sessions,
	}
}

// Sensitivity returns the rules for one tool, or all of them when target is
// empty or "global"
func (f *Facade) Sensitivity(target string) (SensitivityView, error) {
	return viewOf(f.rules.Current(), target)
}

// SetSensitivity changes one rule field on behalf of actor and returns the
// updated view of target
func (f *Facade) SetSensitivity(ctx context.Context, actor, target, field, value string) (SensitivityView, error) {
	cfg, err := f.rules.Set(target, field, value)
	f.metrics.observeRuleUpdate(target, err)
	if err != nil {
		return SensitivityView{}, err
	}

	if f.auditor != nil {
		change := store.SensitivityChange{Target: target, Field: field, Value: value, Actor: actor}
		if err := f.auditor.RecordSensitivityChange(ctx, change); err != nil {
			f.logger.Warn("Failed to audit sensitivity change", zap.Error(err))
		}
	}
	return viewOf(cfg, target)
}

// Prompt returns the system prompt for the tool, empty for the default tool
func (f *Facade) Prompt(tool tools.ToolName) string {
	return f.rules.Current().Prompt(tool)
}

func (f *Facade) onExpire(snap session.Snapshot) {
	f.metrics.observeExpiry(snap.ActiveTool.String())
}

func (f *Facade) status(snap session.Snapshot) TimeoutStatus {
	now := f.registry.Scheduler().Clock().Now()
	return TimeoutStatus{
		EntityID:       snap.EntityID,
		ActiveTool:     snap.ActiveTool,
		DefaultTool:    snap.DefaultTool,
		Active:         snap.Active(),
		ExpiresAt:      snap.ExpiresAt,
		Remaining:      snap.Remaining(now),
		ExtensionCount: snap.ExtensionCount,
	}
}
