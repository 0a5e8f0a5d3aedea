// ABOUTME: Rolling activity log per conversation, flushed to a secondary target.
// ABOUTME: Bounded rendering: beyond a threshold only the newest window is shown.

package updater

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-bridge/internal/session"
)

const (
	defaultActivityThreshold = 12
	defaultActivityWindow    = 8
)

// Entry is one discrete activity record for a conversation.
type Entry struct {
	ID   string
	At   time.Time
	Text string
}

// activityState is the per-key accumulation and publish state. The target
// here is independent of the primary status message and deliberately not
// coupled to its publish mutex.
type activityState struct {
	entries     []Entry
	targetID    string
	fingerprint string

	// flushing marks a publish in flight for this key. A flush arriving
	// while one is running is skipped, never queued, so two concurrent
	// creates can never race to establish the target.
	flushing bool
}

// Batcher keeps an ordered, append-only activity log per conversation and
// flushes a bounded view of it to a secondary render location.
type Batcher struct {
	mu        sync.Mutex
	states    map[session.Key]*activityState
	pub       Publisher
	threshold int
	window    int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewBatcher creates an activity batcher publishing through pub. A threshold
// or window of zero selects the default.
func NewBatcher(pub Publisher, threshold, window int, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = defaultActivityThreshold
	}
	if window <= 0 {
		window = defaultActivityWindow
	}
	return &Batcher{
		states:    make(map[session.Key]*activityState),
		pub:       pub,
		threshold: threshold,
		window:    window,
		timeout:   defaultPublishTimeout,
		logger:    logger.With("component", "activity"),
	}
}

// Record appends an activity entry for key.
func (b *Batcher) Record(key session.Key, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok {
		st = &activityState{}
		b.states[key] = st
	}
	st.entries = append(st.entries, Entry{
		ID:   uuid.New().String(),
		At:   time.Now(),
		Text: text,
	})
}

// Flush renders the bounded activity view for key and publishes it to the
// conversation's secondary target. Keys with no recorded entries are a no-op,
// as are flushes whose rendered content is unchanged. At most one flush per
// key runs at a time; overlapping flushes are skipped.
func (b *Batcher) Flush(key session.Key, channelID, threadTS string) {
	b.mu.Lock()
	st, ok := b.states[key]
	if !ok || len(st.entries) == 0 || st.flushing {
		b.mu.Unlock()
		return
	}
	st.flushing = true
	text := b.renderLocked(st)
	fp := fingerprint(text)
	targetID := st.targetID
	unchanged := fp == st.fingerprint
	b.mu.Unlock()

	defer b.clearFlushing(key)

	if unchanged {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if targetID == "" {
		id, err := b.pub.Create(ctx, channelID, threadTS, text)
		if err != nil {
			b.logger.Warn("activity publish failed", "key", key, "error", err)
			return
		}
		b.setPublished(key, id, fp)
		return
	}

	if err := b.pub.Update(ctx, channelID, targetID, text); err != nil {
		b.logger.Warn("activity publish failed", "key", key, "target_id", targetID, "error", err)
		return
	}
	b.setPublished(key, targetID, fp)
}

func (b *Batcher) clearFlushing(key session.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[key]; ok {
		st.flushing = false
	}
}

func (b *Batcher) setPublished(key session.Key, targetID, fp string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[key]; ok {
		if st.targetID == "" {
			st.targetID = targetID
		}
		st.fingerprint = fp
	}
}

// renderLocked builds the bounded view: when the log exceeds the threshold,
// only the most recent window is shown plus a count of the omitted entries.
// Must be called with b.mu held.
func (b *Batcher) renderLocked(st *activityState) string {
	entries := st.entries
	omitted := 0
	if len(entries) > b.threshold {
		omitted = len(entries) - b.window
		entries = entries[len(entries)-b.window:]
	}

	var sb strings.Builder
	if omitted > 0 {
		fmt.Fprintf(&sb, "_… %d earlier entries_\n", omitted)
	}
	for _, e := range entries {
		fmt.Fprintf(&sb, "`%s` %s\n", e.At.Format("15:04:05"), e.Text)
	}
	return sb.String()
}

// Drop discards all activity state for key.
func (b *Batcher) Drop(key session.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, key)
}

// Len returns the number of entries recorded for key. Used for diagnostics.
func (b *Batcher) Len(key session.Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[key]; ok {
		return len(st.entries)
	}
	return 0
}
