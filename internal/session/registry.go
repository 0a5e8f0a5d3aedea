// ABOUTME: Registry mapping conversation keys to sessions, with event routing.
// ABOUTME: Owns session creation/destruction and applies subprocess events to state.

package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-bridge/internal/agentproc"
)

// ActivitySink receives discrete activity entries (tool starts/stops,
// thinking markers, failures) as events are applied.
type ActivitySink interface {
	Record(key Key, text string)
}

// Registry maps conversation keys to their sessions. A key with no session is
// untracked: every event addressed to it is dropped.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Key]*Session

	activity ActivitySink
	aborts   *AbortCoordinator
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[Key]*Session),
		logger:   logger.With("component", "registry"),
	}
}

// SetActivitySink installs the sink that records activity entries.
func (r *Registry) SetActivitySink(sink ActivitySink) {
	r.activity = sink
}

// Start installs a fresh session for key, overwriting any existing one. The
// prior session's timers are cleared first so a superseded session cannot
// leak a timer into the new one.
func (r *Registry) Start(key Key, ctx Context) *Session {
	r.mu.Lock()
	old := r.sessions[key]
	s := newSession(ctx)
	r.sessions[key] = s
	r.mu.Unlock()

	if old != nil {
		old.clearTimers()
		r.logger.Info("session replaced", "key", key, "thread_id", ctx.ThreadID)
	} else {
		r.logger.Info("session started", "key", key, "thread_id", ctx.ThreadID)
	}
	return s
}

// Stop clears the session's timers and removes it. Unknown keys are a no-op.
func (r *Registry) Stop(key Key) {
	r.mu.Lock()
	s := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if s == nil {
		return
	}
	s.clearTimers()
	r.logger.Info("session stopped", "key", key)
}

// StopAll stops every tracked session. Idempotent and safe under repeated
// invocation during shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[Key]*Session)
	r.mu.Unlock()

	for key, s := range sessions {
		s.clearTimers()
		r.logger.Debug("session stopped", "key", key)
	}
}

// Get returns the session for key, if tracked.
func (r *Registry) Get(key Key) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Keys returns the currently tracked conversation keys.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	return keys
}

// Resolve finds the session owning an agent-side thread id. A linear scan,
// bounded by the number of concurrently active sessions.
func (r *Registry) Resolve(agentThreadID string) (Key, *Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, s := range r.sessions {
		if s.AgentThreadID() == agentThreadID {
			return key, s, true
		}
	}
	return "", nil, false
}

// BeginTurn prepares a tracked session for its next turn: the turn id is
// reset to empty until the agent confirms the new turn, and the status
// returns to running.
func (r *Registry) BeginTurn(key Key) bool {
	s, ok := r.Get(key)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.ctx.TurnID = ""
	s.abortExecuted = false
	s.status = StatusRunning
	s.mu.Unlock()
	return true
}

// HandleEvent routes a subprocess event to its owning session and applies it.
// Events with no owning session are dropped silently, as are events whose
// turn id no longer matches the session's current turn (stale-turn guard).
// The return value reports whether the event was applied; a dropped event
// returns false and causes no state mutation.
func (r *Registry) HandleEvent(ev agentproc.Event) bool {
	key, s, ok := r.Resolve(ev.ThreadID)
	if !ok && ev.Kind == agentproc.EventTokensUpdated && ev.ThreadID == "" {
		// Token updates carry no thread id on some agent wires; with a
		// single live conversation they can still be attributed.
		key, s, ok = r.sole()
	}
	if !ok {
		r.logger.Debug("dropping event for unknown agent thread",
			"kind", ev.Kind.String(),
			"thread_id", ev.ThreadID)
		return false
	}

	s.mu.Lock()

	// Stale-turn guard: once the session's turn id is known, events from a
	// previous, already-superseded turn must not corrupt the accumulation.
	// Events carrying no turn id (token updates) always pass.
	if cur := s.ctx.TurnID; cur != "" && ev.TurnID != "" && ev.TurnID != cur {
		s.mu.Unlock()
		r.logger.Debug("dropping stale-turn event",
			"kind", ev.Kind.String(),
			"key", key,
			"event_turn", ev.TurnID,
			"current_turn", cur)
		return false
	}

	// A completion addressed to a turn already in a terminal status is a
	// duplicate delivery; applying it again would re-clear state.
	if ev.Kind == agentproc.EventTurnCompleted && s.status != StatusRunning {
		s.mu.Unlock()
		r.logger.Debug("dropping duplicate turn completion", "key", key, "turn_id", ev.TurnID)
		return false
	}

	var (
		notes     []string
		interrupt bool
		threadID  string
		turnID    string
	)

	switch ev.Kind {
	case agentproc.EventItemStarted:
		notes = s.applyItemStarted(ev)
	case agentproc.EventItemDelta:
		s.applyItemDelta(ev)
	case agentproc.EventCommandOutput:
		s.applyCommandOutput(ev)
	case agentproc.EventItemCompleted:
		notes = s.applyItemCompleted(ev)
	case agentproc.EventTurnStarted, agentproc.EventContextTurnID:
		interrupt = s.applyTurnID(ev.TurnID)
		threadID, turnID = s.ctx.ThreadID, s.ctx.TurnID
	case agentproc.EventTurnCompleted:
		notes = s.applyTurnCompleted(ev)
	case agentproc.EventTokensUpdated:
		s.inputTokens = ev.InputTokens
		s.outputTokens = ev.OutputTokens
		if ev.ContextWindow > 0 {
			s.contextWindow = ev.ContextWindow
		}
	}

	s.mu.Unlock()

	if r.activity != nil {
		for _, note := range notes {
			r.activity.Record(key, note)
		}
	}
	if interrupt && r.aborts != nil {
		go r.aborts.issueInterrupt(key, threadID, turnID)
	}
	return true
}

// sole returns the single tracked session when exactly one exists.
func (r *Registry) sole() (Key, *Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sessions) != 1 {
		return "", nil, false
	}
	for key, s := range r.sessions {
		return key, s, true
	}
	return "", nil, false
}

// applyItemStarted records a new item. Command and tool items get a
// ToolState; other kinds are remembered so deltas land in the right buffer.
// Must be called with s.mu held.
func (s *Session) applyItemStarted(ev agentproc.Event) []string {
	s.itemKinds[ev.ItemID] = ev.ItemType

	switch ev.ItemType {
	case "command", "tool":
		name := toolName(ev)
		s.tools[ev.ItemID] = &ToolState{Name: name, StartedAt: time.Now()}
		s.toolOrder = append(s.toolOrder, ev.ItemID)
		return []string{fmt.Sprintf("tool %s started", name)}
	case "reasoning":
		return []string{"thinking"}
	}
	return nil
}

// applyItemDelta appends streamed content to the buffer its item belongs to.
// Must be called with s.mu held.
func (s *Session) applyItemDelta(ev agentproc.Event) {
	if s.itemKinds[ev.ItemID] == "reasoning" {
		s.thinking.WriteString(ev.Delta)
		return
	}
	s.text.WriteString(ev.Delta)
}

// applyCommandOutput appends output to the matching tool's buffer. Output for
// an unknown item is dropped.
// Must be called with s.mu held.
func (s *Session) applyCommandOutput(ev agentproc.Event) {
	if t, ok := s.tools[ev.ItemID]; ok {
		t.Output.WriteString(ev.Delta)
	}
}

// applyItemCompleted removes the item's ToolState, computing its duration
// from the recorded start time.
// Must be called with s.mu held.
func (s *Session) applyItemCompleted(ev agentproc.Event) []string {
	delete(s.itemKinds, ev.ItemID)

	t, ok := s.tools[ev.ItemID]
	if !ok {
		return nil
	}
	duration := time.Since(t.StartedAt).Round(100 * time.Millisecond)
	delete(s.tools, ev.ItemID)
	for i, id := range s.toolOrder {
		if id == ev.ItemID {
			s.toolOrder = append(s.toolOrder[:i], s.toolOrder[i+1:]...)
			break
		}
	}
	return []string{fmt.Sprintf("tool %s finished in %s", t.Name, duration)}
}

// applyTurnID sets the turn id if still empty (first writer wins between
// turn:started and context:turnId) and, when an abort is pending, performs
// the atomic check-and-clear that guarantees the interrupt RPC is issued
// exactly once. Returns true when the caller should issue that RPC.
// Must be called with s.mu held.
func (s *Session) applyTurnID(turnID string) bool {
	if s.ctx.TurnID == "" {
		s.ctx.TurnID = turnID
	}
	if !s.abortPending {
		return false
	}
	s.abortPending = false
	if s.abortTimer != nil {
		s.abortTimer.Stop()
		s.abortTimer = nil
	}
	s.abortExecuted = true
	return true
}

// applyTurnCompleted resolves the turn's final status and clears the
// per-turn accumulators. Token counters and the render target survive.
// Must be called with s.mu held.
func (s *Session) applyTurnCompleted(ev agentproc.Event) []string {
	switch {
	case s.abortExecuted:
		s.status = StatusInterrupted
	case ev.Status == "failed":
		s.status = StatusFailed
	default:
		s.status = StatusCompleted
	}

	s.text.Reset()
	s.thinking.Reset()
	s.tools = make(map[string]*ToolState)
	s.toolOrder = nil
	s.itemKinds = make(map[string]string)

	if s.status == StatusFailed {
		return []string{"turn failed"}
	}
	return nil
}

// toolName derives a display name for a tool item. Command items show their
// actions; everything else falls back to the item type.
func toolName(ev agentproc.Event) string {
	if len(ev.CommandActions) > 0 {
		return strings.Join(ev.CommandActions, " ")
	}
	if ev.ItemType != "" {
		return ev.ItemType
	}
	return "tool"
}
