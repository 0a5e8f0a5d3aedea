// ABOUTME: Resolves the race between a cancellation request and turn id arrival.
// ABOUTME: Defers aborts until the turn id is known, bounded by a safety timeout.

package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrUnknownConversation is returned when an abort targets an untracked key.
var ErrUnknownConversation = errors.New("unknown conversation")

// abortSafetyTimeout bounds how long a deferred abort waits for the turn id.
// Expiry is an expected race resolution, not an error.
const abortSafetyTimeout = 10 * time.Second

// interruptRPCTimeout bounds the interrupt call itself.
const interruptRPCTimeout = 10 * time.Second

// Interrupter issues the turn-interrupt RPC to the agent. The cancel RPC
// needs both the agent-side thread id and the turn id.
type Interrupter interface {
	InterruptTurn(ctx context.Context, threadID, turnID string) error
}

// AbortCoordinator handles user cancellation requests. A request may arrive
// before the agent has reported the turn id needed to target it; in that
// case the abort is parked behind a pending flag until turn:started or
// context:turnId supplies the id, or the safety window closes.
type AbortCoordinator struct {
	reg    *Registry
	rpc    Interrupter
	window time.Duration
	logger *slog.Logger
}

// NewAbortCoordinator wires an abort coordinator to the registry. The
// registry hands it the turn-id notifications that resolve deferred aborts.
func NewAbortCoordinator(reg *Registry, rpc Interrupter, logger *slog.Logger) *AbortCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AbortCoordinator{
		reg:    reg,
		rpc:    rpc,
		window: abortSafetyTimeout,
		logger: logger.With("component", "abort"),
	}
	reg.aborts = a
	return a
}

// QueueAbort requests cancellation of the key's current turn. If the turn id
// is already known the interrupt RPC is issued immediately; otherwise the
// abort is deferred and resolved by the next turn-id notification. Returns
// whether the abort was deferred.
func (a *AbortCoordinator) QueueAbort(key Key) (deferred bool, err error) {
	s, ok := a.reg.Get(key)
	if !ok {
		return false, ErrUnknownConversation
	}

	s.mu.Lock()
	if turnID := s.ctx.TurnID; turnID != "" {
		threadID := s.ctx.ThreadID
		s.abortExecuted = true
		s.mu.Unlock()

		go a.issueInterrupt(key, threadID, turnID)
		return false, nil
	}

	if !s.abortPending {
		s.abortPending = true
		s.abortGen++
		gen := s.abortGen
		s.abortTimer = time.AfterFunc(a.window, func() { a.expire(key, s, gen) })
		a.logger.Info("abort deferred until turn id arrives", "key", key)
	}
	s.mu.Unlock()
	return true, nil
}

// expire closes the safety window. If the abort is still pending the flag is
// cleared without ever issuing the interrupt RPC; the turn id simply never
// arrived in time. The generation check keeps a timer callback that was
// already in flight when its abort resolved from clearing a newer deferred
// abort queued afterwards.
func (a *AbortCoordinator) expire(key Key, s *Session, gen uint64) {
	s.mu.Lock()
	if !s.abortPending || gen != s.abortGen {
		s.mu.Unlock()
		return
	}
	s.abortPending = false
	s.abortTimer = nil
	s.mu.Unlock()

	a.logger.Debug("abort window expired without turn id", "key", key)
}

// issueInterrupt performs the interrupt RPC. Failures are logged and do not
// retry or reopen the pending state: the decision to abort has already been
// made by the time the RPC is issued.
func (a *AbortCoordinator) issueInterrupt(key Key, threadID, turnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), interruptRPCTimeout)
	defer cancel()

	if err := a.rpc.InterruptTurn(ctx, threadID, turnID); err != nil {
		a.logger.Error("interrupt RPC failed",
			"key", key,
			"thread_id", threadID,
			"turn_id", turnID,
			"error", err)
		return
	}
	a.logger.Info("turn interrupted", "key", key, "turn_id", turnID)
}
