// ABOUTME: Tests for the request/response correlator.
// ABOUTME: Covers reply matching, timeouts, unsolicited replies, and transport closure.

package agentproc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelator_NextIDIsMonotonic(t *testing.T) {
	c := NewCorrelator(nil)

	prev := c.NextID()
	for range 100 {
		id := c.NextID()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestCorrelator_ResolveDeliversResult(t *testing.T) {
	c := NewCorrelator(nil)

	id := c.NextID()
	done := c.Add(id, "startThread", 0)

	matched := c.Resolve(&Response{ID: id, Result: json.RawMessage(`{"threadId":"th-1"}`)})
	require.True(t, matched)

	select {
	case res := <-done:
		require.NoError(t, res.Err)
		assert.JSONEq(t, `{"threadId":"th-1"}`, string(res.Value))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestCorrelator_ResolveDeliversAgentError(t *testing.T) {
	c := NewCorrelator(nil)

	id := c.NextID()
	done := c.Add(id, "sendUserTurn", 0)

	c.Resolve(&Response{ID: id, Error: &RPCError{Code: 400, Message: "bad thread"}})

	res := <-done
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "bad thread")
}

func TestCorrelator_UnsolicitedReplyIsIgnored(t *testing.T) {
	c := NewCorrelator(nil)

	matched := c.Resolve(&Response{ID: 999, Result: json.RawMessage(`{}`)})
	assert.False(t, matched)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_LateReplyAfterTimeoutIsIgnored(t *testing.T) {
	c := NewCorrelator(nil)

	id := c.NextID()
	done := c.Add(id, "interruptTurn", 10*time.Millisecond)

	select {
	case res := <-done:
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "interruptTurn")
		assert.Contains(t, res.Err.Error(), "timed out")
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	// The entry is gone; the late reply must be a no-op.
	matched := c.Resolve(&Response{ID: id, Result: json.RawMessage(`{}`)})
	assert.False(t, matched)
}

func TestCorrelator_ResolveCancelsTimeout(t *testing.T) {
	c := NewCorrelator(nil)

	id := c.NextID()
	done := c.Add(id, "startThread", 50*time.Millisecond)

	c.Resolve(&Response{ID: id, Result: json.RawMessage(`{}`)})

	res := <-done
	require.NoError(t, res.Err)

	// Wait past the timeout; no second delivery may occur.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("result delivered twice")
	default:
	}
}

func TestCorrelator_RejectAllFailsEveryPendingCall(t *testing.T) {
	c := NewCorrelator(nil)

	var chans []<-chan Result
	for range 5 {
		id := c.NextID()
		chans = append(chans, c.Add(id, "sendUserTurn", time.Minute))
	}

	cause := errors.New("transport gone")
	c.RejectAll(cause)

	for i, done := range chans {
		select {
		case res := <-done:
			assert.ErrorIs(t, res.Err, cause, "call %d", i)
		case <-time.After(time.Second):
			t.Fatalf("call %d never rejected", i)
		}
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_RejectAllThenResolveIsNoOp(t *testing.T) {
	c := NewCorrelator(nil)

	id := c.NextID()
	done := c.Add(id, "startThread", 0)
	c.RejectAll(errors.New("closed"))

	<-done
	assert.False(t, c.Resolve(&Response{ID: id}))
}
