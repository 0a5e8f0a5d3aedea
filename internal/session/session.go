// ABOUTME: Per-conversation session state: context, streamed accumulators, publish state.
// ABOUTME: A Session is the unit of isolation; all mutable state here is conversation-scoped.

package session

import (
	"strings"
	"sync"
	"time"
)

// Key identifies one logical conversation as "channelID:threadTS". It is the
// sole lookup key across the registry, scheduler, and abort coordinator.
type Key string

// KeyFor builds the conversation key from its platform identifiers.
func KeyFor(channelID, threadTS string) Key {
	return Key(channelID + ":" + threadTS)
}

// Status is the lifecycle state of a session's current turn.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// Policy holds the agent policy settings fixed at session creation.
type Policy struct {
	ApprovalMode string
	Sandbox      bool
}

// Context holds the creation-time facts of a session. TurnID is the one
// mutable field: empty until the agent confirms a turn has started, set at
// most once per turn, and reset to empty when the next turn begins.
type Context struct {
	ChannelID string
	ThreadTS  string
	UserID    string

	// ThreadID is the agent-side execution context identifier, distinct
	// from the messaging platform's thread identifier.
	ThreadID string

	Model     string
	Policy    Policy
	StartedAt time.Time

	// TargetID optionally seeds the render target, for conversations that
	// already have a status message.
	TargetID string

	TurnID string
}

// ToolState tracks one in-flight tool invocation.
type ToolState struct {
	Name      string
	StartedAt time.Time
	Output    strings.Builder
}

// Session accumulates streamed content and publish state for one
// conversation. All fields are guarded by mu except publishMu, which guards
// the full render-and-publish sequence on its own.
type Session struct {
	mu sync.Mutex

	ctx Context

	text      strings.Builder
	thinking  strings.Builder
	tools     map[string]*ToolState
	toolOrder []string
	itemKinds map[string]string

	inputTokens   int64
	outputTokens  int64
	contextWindow int64
	status        Status

	targetID        string
	lastFingerprint string

	// publishMu serializes render-and-publish per conversation. Ticks that
	// find it held are skipped, never queued.
	publishMu sync.Mutex

	abortPending  bool
	abortTimer    *time.Timer
	abortExecuted bool

	// abortGen distinguishes deferred aborts across turns, so a late expiry
	// callback from a superseded timer cannot clear a newer pending flag.
	abortGen uint64

	cancelUpdate func()
}

func newSession(ctx Context) *Session {
	return &Session{
		ctx:       ctx,
		tools:     make(map[string]*ToolState),
		itemKinds: make(map[string]string),
		status:    StatusRunning,
		targetID:  ctx.TargetID,
	}
}

// AgentThreadID returns the agent-side thread identifier. It is fixed at
// creation, so no lock is needed.
func (s *Session) AgentThreadID() string {
	return s.ctx.ThreadID
}

// Context returns a copy of the session's context.
func (s *Session) Context() Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Status returns the session's current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ToolSnapshot is a point-in-time view of one in-flight tool.
type ToolSnapshot struct {
	Name    string
	Running time.Duration
	Output  string
}

// Snapshot is a consistent point-in-time view of a session, safe to render
// without holding any lock.
type Snapshot struct {
	ChannelID string
	ThreadTS  string
	UserID    string
	Model     string
	StartedAt time.Time

	Status   Status
	Text     string
	Thinking string
	Tools    []ToolSnapshot

	InputTokens   int64
	OutputTokens  int64
	ContextWindow int64
}

// Snapshot captures the session's current state for rendering.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	tools := make([]ToolSnapshot, 0, len(s.toolOrder))
	for _, id := range s.toolOrder {
		t, ok := s.tools[id]
		if !ok {
			continue
		}
		tools = append(tools, ToolSnapshot{
			Name:    t.Name,
			Running: now.Sub(t.StartedAt),
			Output:  t.Output.String(),
		})
	}

	return Snapshot{
		ChannelID:     s.ctx.ChannelID,
		ThreadTS:      s.ctx.ThreadTS,
		UserID:        s.ctx.UserID,
		Model:         s.ctx.Model,
		StartedAt:     s.ctx.StartedAt,
		Status:        s.status,
		Text:          s.text.String(),
		Thinking:      s.thinking.String(),
		Tools:         tools,
		InputTokens:   s.inputTokens,
		OutputTokens:  s.outputTokens,
		ContextWindow: s.contextWindow,
	}
}

// TryLockPublish attempts to take the publish mutex without blocking.
func (s *Session) TryLockPublish() bool {
	return s.publishMu.TryLock()
}

// LockPublish takes the publish mutex, waiting for any in-flight publish.
func (s *Session) LockPublish() {
	s.publishMu.Lock()
}

// UnlockPublish releases the publish mutex.
func (s *Session) UnlockPublish() {
	s.publishMu.Unlock()
}

// PublishState returns the render target and the fingerprint of the last
// successfully published content.
func (s *Session) PublishState() (targetID, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetID, s.lastFingerprint
}

// RecordPublish stores the outcome of a successful publish. The render
// target is recorded once, on the first publish, and stays stable after.
func (s *Session) RecordPublish(targetID, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.targetID == "" {
		s.targetID = targetID
	}
	s.lastFingerprint = fingerprint
}

// SetCancelUpdate installs the hook that clears this session's update timer.
func (s *Session) SetCancelUpdate(cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelUpdate = cancel
}

// AbortPending reports whether a deferred abort is waiting for a turn id.
func (s *Session) AbortPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortPending
}

// clearTimers synchronously clears the update timer and any pending abort
// timeout. Safe to call repeatedly.
func (s *Session) clearTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearTimersLocked()
}

func (s *Session) clearTimersLocked() {
	if s.abortTimer != nil {
		s.abortTimer.Stop()
		s.abortTimer = nil
	}
	s.abortPending = false
	if s.cancelUpdate != nil {
		s.cancelUpdate()
		s.cancelUpdate = nil
	}
}
