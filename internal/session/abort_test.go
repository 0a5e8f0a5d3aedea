// ABOUTME: Tests for the abort coordinator's turn-id race resolution.
// ABOUTME: Covers immediate abort, deferred-then-resolved, and safety-window expiry.

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-bridge/internal/agentproc"
)

type fakeInterrupter struct {
	mu    sync.Mutex
	calls [][2]string
	err   error
	fired chan struct{}
}

func newFakeInterrupter() *fakeInterrupter {
	return &fakeInterrupter{fired: make(chan struct{}, 16)}
}

func (f *fakeInterrupter) InterruptTurn(_ context.Context, threadID, turnID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, [2]string{threadID, turnID})
	f.mu.Unlock()
	f.fired <- struct{}{}
	return f.err
}

func (f *fakeInterrupter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInterrupter) waitForCall(t *testing.T) [2]string {
	t.Helper()
	select {
	case <-f.fired:
	case <-time.After(time.Second):
		t.Fatal("interrupt RPC never issued")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func TestAbort_ImmediateWhenTurnIDKnown(t *testing.T) {
	r := NewRegistry(nil)
	rpc := newFakeInterrupter()
	a := NewAbortCoordinator(r, rpc, nil)

	key := KeyFor("C1", "1.0")
	r.Start(key, testContext("th-1"))
	r.HandleEvent(agentproc.Event{Kind: agentproc.EventTurnStarted, ThreadID: "th-1", TurnID: "t1"})

	deferred, err := a.QueueAbort(key)
	require.NoError(t, err)
	assert.False(t, deferred)

	call := rpc.waitForCall(t)
	assert.Equal(t, [2]string{"th-1", "t1"}, call)

	s, _ := r.Get(key)
	assert.False(t, s.AbortPending(), "no pending state for an immediate abort")
	assert.Equal(t, 1, rpc.callCount())
}

func TestAbort_DeferredResolvedByTurnStarted(t *testing.T) {
	r := NewRegistry(nil)
	rpc := newFakeInterrupter()
	a := NewAbortCoordinator(r, rpc, nil)

	key := KeyFor("C1", "1.0")
	r.Start(key, testContext("th-1"))

	deferred, err := a.QueueAbort(key)
	require.NoError(t, err)
	assert.True(t, deferred)
	assert.Equal(t, 0, rpc.callCount(), "no RPC before the turn id is known")

	r.HandleEvent(agentproc.Event{Kind: agentproc.EventTurnStarted, ThreadID: "th-1", TurnID: "t9"})

	call := rpc.waitForCall(t)
	assert.Equal(t, [2]string{"th-1", "t9"}, call)

	s, _ := r.Get(key)
	assert.False(t, s.AbortPending())
	assert.Equal(t, 1, rpc.callCount())
}

func TestAbort_DeferredResolvedByContextTurnID(t *testing.T) {
	r := NewRegistry(nil)
	rpc := newFakeInterrupter()
	a := NewAbortCoordinator(r, rpc, nil)

	key := KeyFor("C1", "1.0")
	r.Start(key, testContext("th-1"))

	_, err := a.QueueAbort(key)
	require.NoError(t, err)

	r.HandleEvent(agentproc.Event{Kind: agentproc.EventContextTurnID, ThreadID: "th-1", TurnID: "t5"})

	call := rpc.waitForCall(t)
	assert.Equal(t, [2]string{"th-1", "t5"}, call)
}

func TestAbort_BothSourcesFireExactlyOneRPC(t *testing.T) {
	r := NewRegistry(nil)
	rpc := newFakeInterrupter()
	a := NewAbortCoordinator(r, rpc, nil)

	key := KeyFor("C1", "1.0")
	r.Start(key, testContext("th-1"))

	_, err := a.QueueAbort(key)
	require.NoError(t, err)

	// Both notification sources arrive; only the first may act.
	r.HandleEvent(agentproc.Event{Kind: agentproc.EventContextTurnID, ThreadID: "th-1", TurnID: "t5"})
	r.HandleEvent(agentproc.Event{Kind: agentproc.EventTurnStarted, ThreadID: "th-1", TurnID: "t5"})

	rpc.waitForCall(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rpc.callCount())
}

func TestAbort_SafetyWindowExpiryIssuesNoRPC(t *testing.T) {
	r := NewRegistry(nil)
	rpc := newFakeInterrupter()
	a := NewAbortCoordinator(r, rpc, nil)
	a.window = 30 * time.Millisecond

	key := KeyFor("C1", "1.0")
	r.Start(key, testContext("th-1"))

	deferred, err := a.QueueAbort(key)
	require.NoError(t, err)
	require.True(t, deferred)

	s, _ := r.Get(key)
	require.Eventually(t, func() bool { return !s.AbortPending() },
		time.Second, 5*time.Millisecond, "pending flag should clear on expiry")

	assert.Equal(t, 0, rpc.callCount())

	// A turn id arriving after expiry must not trigger the stale abort.
	r.HandleEvent(agentproc.Event{Kind: agentproc.EventTurnStarted, ThreadID: "th-1", TurnID: "t1"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rpc.callCount())
}

func TestAbort_StaleExpiryLeavesNewPendingAbortIntact(t *testing.T) {
	r := NewRegistry(nil)
	rpc := newFakeInterrupter()
	a := NewAbortCoordinator(r, rpc, nil)

	key := KeyFor("C1", "1.0")
	r.Start(key, testContext("th-1"))

	// First deferred abort. Capture its generation as if its expiry callback
	// had fired but not yet run.
	_, err := a.QueueAbort(key)
	require.NoError(t, err)

	s, _ := r.Get(key)
	s.mu.Lock()
	staleGen := s.abortGen
	s.mu.Unlock()

	// The abort resolves, a new turn begins, and a second abort is deferred.
	r.HandleEvent(agentproc.Event{Kind: agentproc.EventTurnStarted, ThreadID: "th-1", TurnID: "t1"})
	rpc.waitForCall(t)
	require.True(t, r.BeginTurn(key))

	deferred, err := a.QueueAbort(key)
	require.NoError(t, err)
	require.True(t, deferred)

	// The first abort's expiry callback finally runs. It belongs to a
	// superseded generation and must leave the new pending abort alone.
	a.expire(key, s, staleGen)
	assert.True(t, s.AbortPending(), "stale expiry must not clear a newer deferred abort")

	r.HandleEvent(agentproc.Event{Kind: agentproc.EventTurnStarted, ThreadID: "th-1", TurnID: "t2"})
	call := rpc.waitForCall(t)
	assert.Equal(t, [2]string{"th-1", "t2"}, call)
}

func TestAbort_UnknownConversation(t *testing.T) {
	r := NewRegistry(nil)
	a := NewAbortCoordinator(r, newFakeInterrupter(), nil)

	_, err := a.QueueAbort(KeyFor("C1", "1.0"))
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestAbort_RPCFailureDoesNotReopenPendingState(t *testing.T) {
	r := NewRegistry(nil)
	rpc := newFakeInterrupter()
	rpc.err = errors.New("agent busy")
	a := NewAbortCoordinator(r, rpc, nil)

	key := KeyFor("C1", "1.0")
	r.Start(key, testContext("th-1"))
	r.HandleEvent(agentproc.Event{Kind: agentproc.EventTurnStarted, ThreadID: "th-1", TurnID: "t1"})

	_, err := a.QueueAbort(key)
	require.NoError(t, err)
	rpc.waitForCall(t)

	s, _ := r.Get(key)
	assert.False(t, s.AbortPending())
	assert.Equal(t, 1, rpc.callCount())
}

func TestAbort_ExecutedAbortMarksTurnInterrupted(t *testing.T) {
	r := NewRegistry(nil)
	rpc := newFakeInterrupter()
	a := NewAbortCoordinator(r, rpc, nil)

	key := KeyFor("C1", "1.0")
	r.Start(key, testContext("th-1"))

	_, err := a.QueueAbort(key)
	require.NoError(t, err)

	r.HandleEvent(agentproc.Event{Kind: agentproc.EventTurnStarted, ThreadID: "th-1", TurnID: "t1"})
	rpc.waitForCall(t)

	r.HandleEvent(agentproc.Event{Kind: agentproc.EventTurnCompleted, ThreadID: "th-1", TurnID: "t1", Status: "completed"})

	s, _ := r.Get(key)
	assert.Equal(t, StatusInterrupted, s.Status())
}
