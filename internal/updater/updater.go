// ABOUTME: Renders session state and publishes debounced status updates.
// ABOUTME: Skips no-op renders by fingerprint and contended ticks by TryLock.

package updater

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/2389/coven-bridge/internal/session"
)

// Publisher is the outward publish abstraction. Create posts a new message
// and returns its render-target identifier; Update rewrites an existing one.
type Publisher interface {
	Create(ctx context.Context, channelID, threadTS, text string) (string, error)
	Update(ctx context.Context, channelID, targetID, text string) error
}

// RenderFunc turns a session snapshot into the published message text.
type RenderFunc func(session.Snapshot) string

const defaultPublishTimeout = 15 * time.Second

// Updater drives the primary status message for each tracked conversation:
// on every tick it renders the session's current state and publishes it,
// serialized per conversation, capped to one outward call per tick.
type Updater struct {
	reg      *session.Registry
	pub      Publisher
	render   RenderFunc
	sched    *Scheduler
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates an Updater publishing through pub at the given interval.
func New(reg *session.Registry, pub Publisher, render RenderFunc, interval time.Duration, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		reg:      reg,
		pub:      pub,
		render:   render,
		sched:    NewScheduler(logger),
		interval: interval,
		timeout:  defaultPublishTimeout,
		logger:   logger.With("component", "updater"),
	}
}

// Track installs the recurring update timer for key and wires its cancel
// hook into the session, so Registry.Stop clears the timer synchronously.
func (u *Updater) Track(key session.Key) {
	s, ok := u.reg.Get(key)
	if !ok {
		return
	}
	u.sched.Schedule(key, u.interval, func() { u.tick(key) })
	s.SetCancelUpdate(func() { u.sched.Cancel(key) })
}

// Untrack clears the timer for key without touching the session.
func (u *Updater) Untrack(key session.Key) {
	u.sched.Cancel(key)
}

// Shutdown clears all timers. In-flight publishes finish undisturbed.
func (u *Updater) Shutdown() {
	u.sched.CancelAll()
}

// tick performs one scheduled render-and-publish. If the previous tick's
// publish for this key is still outstanding, the tick is skipped rather than
// queued: a stale render is discarded in favor of the next tick's fresher
// state, never executed out of order.
func (u *Updater) tick(key session.Key) {
	s, ok := u.reg.Get(key)
	if !ok {
		return
	}
	if !s.TryLockPublish() {
		u.logger.Debug("publish in flight, skipping tick", "key", key)
		return
	}
	defer s.UnlockPublish()

	u.renderAndPublish(key, s)
}

// Flush publishes the session's current state immediately, waiting for any
// in-flight tick to finish first. Used for the final render after a turn.
func (u *Updater) Flush(key session.Key) {
	s, ok := u.reg.Get(key)
	if !ok {
		return
	}
	s.LockPublish()
	defer s.UnlockPublish()

	u.renderAndPublish(key, s)
}

// FlushSnapshot publishes a caller-provided snapshot for the conversation,
// waiting for any in-flight tick to finish first. Used for the final render
// after a turn, where the snapshot was taken before the turn's accumulators
// were cleared and carries the terminal status.
func (u *Updater) FlushSnapshot(key session.Key, snap session.Snapshot) {
	s, ok := u.reg.Get(key)
	if !ok {
		return
	}
	s.LockPublish()
	defer s.UnlockPublish()

	u.publish(key, s, snap)
}

// renderAndPublish renders the snapshot and publishes it unless the content
// fingerprint is unchanged since the last successful publish. Publish
// failures are logged and dropped; the next tick re-renders and re-attempts,
// so the loop is self-healing rather than retry-driven.
// The caller must hold the session's publish mutex.
func (u *Updater) renderAndPublish(key session.Key, s *session.Session) {
	u.publish(key, s, s.Snapshot())
}

// publish renders and sends one snapshot. The caller must hold the session's
// publish mutex.
func (u *Updater) publish(key session.Key, s *session.Session, snap session.Snapshot) {
	text := u.render(snap)
	fp := fingerprint(text)

	targetID, lastFP := s.PublishState()
	if fp == lastFP {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()

	if targetID == "" {
		id, err := u.pub.Create(ctx, snap.ChannelID, snap.ThreadTS, text)
		if err != nil {
			u.logger.Warn("publish failed", "key", key, "error", err)
			return
		}
		s.RecordPublish(id, fp)
		u.logger.Debug("status message created", "key", key, "target_id", id)
		return
	}

	if err := u.pub.Update(ctx, snap.ChannelID, targetID, text); err != nil {
		u.logger.Warn("publish failed", "key", key, "target_id", targetID, "error", err)
		return
	}
	s.RecordPublish(targetID, fp)
}

// fingerprint summarizes rendered content for no-op detection.
func fingerprint(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("%016x", h.Sum64())
}
