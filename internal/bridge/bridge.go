// ABOUTME: Composition root connecting the agent subprocess to the frontends.
// ABOUTME: Owns conversation lifecycle, event routing, aborts, and archiving.

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-bridge/internal/agentproc"
	"github.com/2389/coven-bridge/internal/session"
	"github.com/2389/coven-bridge/internal/store"
	"github.com/2389/coven-bridge/internal/updater"
)

const archiveTimeout = 5 * time.Second

// AgentClient is the subprocess surface the bridge drives. *agentproc.Client
// satisfies it.
type AgentClient interface {
	StartThread(ctx context.Context, model string, policy map[string]any) (string, error)
	SendUserTurn(ctx context.Context, threadID, prompt string) error
	InterruptTurn(ctx context.Context, threadID, turnID string) error
	Events() <-chan agentproc.Event
	Close() error
}

// Options carries the per-thread agent defaults and update cadence.
type Options struct {
	Model            string
	ApprovalMode     string
	Sandbox          bool
	ActivityInterval time.Duration
}

// Bridge wires the agent subprocess, the session registry, the update
// pipeline, and the turn archive into one running unit.
type Bridge struct {
	agent    AgentClient
	reg      *session.Registry
	aborts   *session.AbortCoordinator
	upd      *updater.Updater
	batcher  *updater.Batcher
	actSched *updater.Scheduler
	archive  store.Store
	opts     Options
	logger   *slog.Logger
}

// New assembles a Bridge. The batcher is installed as the registry's
// activity sink, and the agent client becomes the abort coordinator's
// interrupter.
func New(agent AgentClient, reg *session.Registry, upd *updater.Updater, batcher *updater.Batcher, archive store.Store, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ActivityInterval <= 0 {
		opts.ActivityInterval = 5 * time.Second
	}

	reg.SetActivitySink(batcher)

	return &Bridge{
		agent:    agent,
		reg:      reg,
		aborts:   session.NewAbortCoordinator(reg, agent, logger),
		upd:      upd,
		batcher:  batcher,
		actSched: updater.NewScheduler(logger),
		archive:  archive,
		opts:     opts,
		logger:   logger.With("component", "bridge"),
	}
}

// SendTurn delivers a user prompt into the conversation identified by
// channel and thread. A first prompt starts a new agent thread; later ones
// reuse it. Either way the update timers are (re)armed before the prompt is
// sent, so the status message exists by the first delta.
func (b *Bridge) SendTurn(ctx context.Context, channelID, threadTS, userID, prompt string) error {
	key := session.KeyFor(channelID, threadTS)

	if s, ok := b.reg.Get(key); ok {
		b.reg.BeginTurn(key)
		b.track(key, channelID, threadTS)
		if err := b.agent.SendUserTurn(ctx, s.AgentThreadID(), prompt); err != nil {
			return fmt.Errorf("sending user turn: %w", err)
		}
		return nil
	}

	threadID, err := b.agent.StartThread(ctx, b.opts.Model, map[string]any{
		"approvalMode": b.opts.ApprovalMode,
		"sandbox":      b.opts.Sandbox,
	})
	if err != nil {
		return fmt.Errorf("starting agent thread: %w", err)
	}

	b.reg.Start(key, session.Context{
		ChannelID: channelID,
		ThreadTS:  threadTS,
		UserID:    userID,
		ThreadID:  threadID,
		Model:     b.opts.Model,
		Policy: session.Policy{
			ApprovalMode: b.opts.ApprovalMode,
			Sandbox:      b.opts.Sandbox,
		},
		StartedAt: time.Now(),
	})
	b.track(key, channelID, threadTS)

	if err := b.agent.SendUserTurn(ctx, threadID, prompt); err != nil {
		b.stopConversation(key)
		return fmt.Errorf("sending user turn: %w", err)
	}

	b.logger.Info("conversation started",
		"channel_id", channelID,
		"thread_ts", threadTS,
		"agent_thread", threadID)
	return nil
}

// Abort requests cancellation of the conversation's current turn. It returns
// true when the abort was deferred because no turn id is known yet.
func (b *Bridge) Abort(channelID, threadTS string) (deferred bool, err error) {
	return b.aborts.QueueAbort(session.KeyFor(channelID, threadTS))
}

// Stop tears down a conversation: timers cleared, activity state dropped,
// session removed. The agent thread is left alone; a later SendTurn for the
// same key starts a fresh one.
func (b *Bridge) Stop(channelID, threadTS string) {
	b.stopConversation(session.KeyFor(channelID, threadTS))
}

// Run consumes the agent event stream until the context is cancelled or the
// subprocess closes its stdout. It is the only consumer of the stream.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-b.agent.Events():
			if !ok {
				b.logger.Warn("agent event stream closed")
				return agentproc.ErrTransportClosed
			}
			b.handleEvent(ev)
		}
	}
}

// Shutdown stops all timers and sessions and closes the subprocess.
func (b *Bridge) Shutdown() {
	b.actSched.CancelAll()
	b.upd.Shutdown()
	b.reg.StopAll()
	if err := b.agent.Close(); err != nil {
		b.logger.Warn("closing agent client", "error", err)
	}
}

// track arms both the status update timer and the activity flush timer.
func (b *Bridge) track(key session.Key, channelID, threadTS string) {
	b.upd.Track(key)
	b.actSched.Schedule(key, b.opts.ActivityInterval, func() {
		b.batcher.Flush(key, channelID, threadTS)
	})
}

func (b *Bridge) stopConversation(key session.Key) {
	b.actSched.Cancel(key)
	b.batcher.Drop(key)
	b.reg.Stop(key)
}

// handleEvent applies one subprocess event. Turn completion needs the
// pre-completion snapshot: applying the event clears the turn's accumulated
// content, but the final publish and the archive row must carry it. The
// turn is only finished when the registry actually applied the completion;
// a stale or duplicate turn:completed must not publish, stop timers, or
// archive anything.
func (b *Bridge) handleEvent(ev agentproc.Event) {
	if ev.Kind != agentproc.EventTurnCompleted {
		b.reg.HandleEvent(ev)
		return
	}

	key, s, ok := b.reg.Resolve(ev.ThreadID)
	if !ok {
		b.reg.HandleEvent(ev)
		return
	}

	snap := s.Snapshot()
	turnID := s.Context().TurnID
	if !b.reg.HandleEvent(ev) {
		return
	}

	b.finishTurn(key, s, snap, turnID)
}

// finishTurn publishes the terminal state, flushes the activity log one last
// time, stops the recurring timers, and archives the turn.
func (b *Bridge) finishTurn(key session.Key, s *session.Session, snap session.Snapshot, turnID string) {
	status := s.Status()
	snap.Status = status

	b.upd.Untrack(key)
	b.upd.FlushSnapshot(key, snap)

	b.actSched.Cancel(key)
	b.batcher.Flush(key, snap.ChannelID, snap.ThreadTS)

	if b.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		err := b.archive.SaveTurn(ctx, store.Turn{
			ChannelID:    snap.ChannelID,
			ThreadTS:     snap.ThreadTS,
			UserID:       snap.UserID,
			AgentThread:  s.AgentThreadID(),
			TurnID:       turnID,
			Status:       string(status),
			Text:         snap.Text,
			InputTokens:  snap.InputTokens,
			OutputTokens: snap.OutputTokens,
			StartedAt:    snap.StartedAt,
			CompletedAt:  time.Now(),
		})
		if err != nil {
			b.logger.Warn("archiving turn failed", "key", key, "error", err)
		}
	}

	b.logger.Info("turn finished",
		"channel_id", snap.ChannelID,
		"thread_ts", snap.ThreadTS,
		"turn_id", turnID,
		"status", status)
}
