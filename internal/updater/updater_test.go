// ABOUTME: Tests for the update scheduler's render-and-publish discipline.
// ABOUTME: Covers create-then-update, fingerprint skip, tick skipping, and recovery.

package updater

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-bridge/internal/agentproc"
	"github.com/2389/coven-bridge/internal/session"
)

type publishCall struct {
	channelID string
	targetID  string
	text      string
}

type fakePublisher struct {
	mu      sync.Mutex
	creates []publishCall
	updates []publishCall

	createErr error
	updateErr error

	// block, when non-nil, makes publish calls wait until it is closed.
	block chan struct{}
}

func (p *fakePublisher) Create(_ context.Context, channelID, threadTS, text string) (string, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.creates = append(p.creates, publishCall{channelID: channelID, targetID: threadTS, text: text})
	return "msg-1", nil
}

func (p *fakePublisher) Update(_ context.Context, channelID, targetID, text string) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateErr != nil {
		return p.updateErr
	}
	p.updates = append(p.updates, publishCall{channelID: channelID, targetID: targetID, text: text})
	return nil
}

func (p *fakePublisher) counts() (creates, updates int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creates), len(p.updates)
}

func renderText(snap session.Snapshot) string {
	return string(snap.Status) + ": " + snap.Text
}

func startSession(t *testing.T, reg *session.Registry) session.Key {
	t.Helper()
	key := session.KeyFor("C1", "1700000000.000100")
	reg.Start(key, session.Context{
		ChannelID: "C1",
		ThreadTS:  "1700000000.000100",
		ThreadID:  "th-1",
		StartedAt: time.Now(),
	})
	return key
}

func deliverDelta(reg *session.Registry, delta string) {
	reg.HandleEvent(agentproc.Event{
		Kind:     agentproc.EventItemDelta,
		ThreadID: "th-1",
		TurnID:   "t1",
		ItemID:   "i1",
		Delta:    delta,
	})
}

func TestUpdater_FirstPublishCreatesThenUpdates(t *testing.T) {
	reg := session.NewRegistry(nil)
	pub := &fakePublisher{}
	u := New(reg, pub, renderText, time.Hour, nil)
	key := startSession(t, reg)

	deliverDelta(reg, "hello")
	u.tick(key)

	deliverDelta(reg, " world")
	u.tick(key)

	creates, updates := pub.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, updates)
	assert.Equal(t, "msg-1", pub.updates[0].targetID)
	assert.Contains(t, pub.updates[0].text, "hello world")

	s, _ := reg.Get(key)
	targetID, _ := s.PublishState()
	assert.Equal(t, "msg-1", targetID)
}

func TestUpdater_UnchangedFingerprintSkipsPublish(t *testing.T) {
	reg := session.NewRegistry(nil)
	pub := &fakePublisher{}
	u := New(reg, pub, renderText, time.Hour, nil)
	key := startSession(t, reg)

	deliverDelta(reg, "stable")
	u.tick(key)
	u.tick(key) // identical state: no outward call

	creates, updates := pub.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 0, updates)
}

func TestUpdater_ContendedTickIsSkippedNotQueued(t *testing.T) {
	reg := session.NewRegistry(nil)
	pub := &fakePublisher{block: make(chan struct{})}
	u := New(reg, pub, renderText, time.Hour, nil)
	key := startSession(t, reg)

	deliverDelta(reg, "slow")

	firstDone := make(chan struct{})
	go func() {
		u.tick(key)
		close(firstDone)
	}()

	// Wait until the first tick is inside the blocked publish.
	s, _ := reg.Get(key)
	require.Eventually(t, func() bool {
		if s.TryLockPublish() {
			s.UnlockPublish()
			return false
		}
		return true
	}, time.Second, time.Millisecond)

	// Second tick must return without publishing.
	deliverDelta(reg, " more")
	u.tick(key)

	close(pub.block)
	<-firstDone

	creates, updates := pub.counts()
	assert.Equal(t, 1, creates, "the contended tick may not publish")
	assert.Equal(t, 0, updates)
}

func TestUpdater_PublishFailureRecoversOnNextTick(t *testing.T) {
	reg := session.NewRegistry(nil)
	pub := &fakePublisher{createErr: errors.New("rate limited")}
	u := New(reg, pub, renderText, time.Hour, nil)
	key := startSession(t, reg)

	deliverDelta(reg, "try")
	u.tick(key)

	creates, _ := pub.counts()
	require.Equal(t, 0, creates)

	s, _ := reg.Get(key)
	targetID, fp := s.PublishState()
	assert.Empty(t, targetID, "failed publish must not record a target")
	assert.Empty(t, fp)

	pub.mu.Lock()
	pub.createErr = nil
	pub.mu.Unlock()

	u.tick(key)
	creates, _ = pub.counts()
	assert.Equal(t, 1, creates)
}

func TestUpdater_FlushSnapshotPublishesProvidedState(t *testing.T) {
	reg := session.NewRegistry(nil)
	pub := &fakePublisher{}
	u := New(reg, pub, renderText, time.Hour, nil)
	key := startSession(t, reg)

	deliverDelta(reg, "final answer")
	s, _ := reg.Get(key)
	snap := s.Snapshot()
	snap.Status = session.StatusCompleted

	// The live session moves on, but the flushed snapshot wins.
	reg.HandleEvent(agentproc.Event{
		Kind:     agentproc.EventTurnCompleted,
		ThreadID: "th-1",
		TurnID:   "t1",
	})
	u.FlushSnapshot(key, snap)

	creates, _ := pub.counts()
	require.Equal(t, 1, creates)
	assert.Contains(t, pub.creates[0].text, "completed: final answer")
}

func TestUpdater_TrackWiresCancelIntoRegistryStop(t *testing.T) {
	reg := session.NewRegistry(nil)
	pub := &fakePublisher{}
	u := New(reg, pub, renderText, 10*time.Millisecond, nil)
	key := startSession(t, reg)

	deliverDelta(reg, "content")
	u.Track(key)

	require.Eventually(t, func() bool {
		creates, _ := pub.counts()
		return creates >= 1
	}, time.Second, time.Millisecond)

	// Stopping the session must clear the timer synchronously.
	reg.Stop(key)
	creates, updates := pub.counts()
	time.Sleep(50 * time.Millisecond)
	laterCreates, laterUpdates := pub.counts()
	assert.Equal(t, creates, laterCreates)
	assert.Equal(t, updates, laterUpdates)
}

func TestUpdater_FlushWaitsForInFlightPublish(t *testing.T) {
	reg := session.NewRegistry(nil)
	pub := &fakePublisher{block: make(chan struct{})}
	u := New(reg, pub, renderText, time.Hour, nil)
	key := startSession(t, reg)

	deliverDelta(reg, "body")

	go u.tick(key)
	s, _ := reg.Get(key)
	require.Eventually(t, func() bool {
		if s.TryLockPublish() {
			s.UnlockPublish()
			return false
		}
		return true
	}, time.Second, time.Millisecond)

	flushDone := make(chan struct{})
	go func() {
		deliverDelta(reg, " final")
		u.Flush(key)
		close(flushDone)
	}()

	close(pub.block)

	select {
	case <-flushDone:
	case <-time.After(time.Second):
		t.Fatal("flush never completed")
	}

	creates, updates := pub.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, updates, "flush publishes the final state after the in-flight tick")
}
