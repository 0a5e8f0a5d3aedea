// ABOUTME: Tests for the subprocess client over in-memory pipes.
// ABOUTME: Covers call round-trips, out-of-order replies, notifications, and closure.

package agentproc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent drives the far side of the duplex channel in tests.
type fakeAgent struct {
	t        *testing.T
	requests <-chan request
	out      io.WriteCloser
}

func startFakeAgent(t *testing.T) (*Client, *fakeAgent) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	reqs := make(chan request, 16)
	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var req request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			reqs <- req
		}
		close(reqs)
	}()

	c := newClient(stdinW, stdoutR, nil)
	t.Cleanup(func() {
		stdoutW.Close()
		c.Close()
	})

	return c, &fakeAgent{t: t, requests: reqs, out: stdoutW}
}

func (a *fakeAgent) nextRequest() request {
	a.t.Helper()
	select {
	case req := <-a.requests:
		return req
	case <-time.After(time.Second):
		a.t.Fatal("no request received")
		return request{}
	}
}

func (a *fakeAgent) writeLine(line string) {
	a.t.Helper()
	if _, err := fmt.Fprintln(a.out, line); err != nil {
		a.t.Fatalf("writing to agent stdout: %v", err)
	}
}

func (a *fakeAgent) reply(id int64, result string) {
	a.writeLine(fmt.Sprintf(`{"id":%d,"result":%s}`, id, result))
}

func TestClient_StartThreadRoundTrip(t *testing.T) {
	c, agent := startFakeAgent(t)

	type threadResult struct {
		threadID string
		err      error
	}
	done := make(chan threadResult, 1)
	go func() {
		id, err := c.StartThread(t.Context(), "default-model", map[string]any{"sandbox": true})
		done <- threadResult{id, err}
	}()

	req := agent.nextRequest()
	assert.Equal(t, "startThread", req.Method)
	agent.reply(req.ID, `{"threadId":"th-42"}`)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "th-42", res.threadID)
	case <-time.After(time.Second):
		t.Fatal("call never completed")
	}
}

func TestClient_OutOfOrderRepliesReachTheRightCallers(t *testing.T) {
	c, agent := startFakeAgent(t)

	errs := make(chan error, 2)
	go func() { errs <- c.SendUserTurn(t.Context(), "th-1", "first") }()
	go func() { errs <- c.SendUserTurn(t.Context(), "th-2", "second") }()

	first := agent.nextRequest()
	second := agent.nextRequest()

	// Answer in reverse order; both callers must still complete.
	agent.reply(second.ID, `{}`)
	agent.reply(first.ID, `{}`)

	for range 2 {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("caller never completed")
		}
	}
}

func TestClient_NotificationsDecodeToEvents(t *testing.T) {
	c, agent := startFakeAgent(t)

	agent.writeLine(`{"method":"item:delta","params":{"itemId":"i1","delta":"hello","threadId":"th-1","turnId":"t1"}}`)

	select {
	case ev := <-c.Events():
		assert.Equal(t, EventItemDelta, ev.Kind)
		assert.Equal(t, "i1", ev.ItemID)
		assert.Equal(t, "hello", ev.Delta)
		assert.Equal(t, "th-1", ev.ThreadID)
		assert.Equal(t, "t1", ev.TurnID)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestClient_UnknownNotificationIsSkipped(t *testing.T) {
	c, agent := startFakeAgent(t)

	agent.writeLine(`{"method":"exotic:thing","params":{}}`)
	agent.writeLine(`{"method":"turn:started","params":{"threadId":"th-1","turnId":"t1"}}`)

	select {
	case ev := <-c.Events():
		assert.Equal(t, EventTurnStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestClient_MalformedFrameDoesNotKillReader(t *testing.T) {
	c, agent := startFakeAgent(t)

	agent.writeLine(`{not json`)
	agent.writeLine(`{"method":"tokens:updated","params":{"inputTokens":10,"outputTokens":5}}`)

	select {
	case ev := <-c.Events():
		assert.Equal(t, EventTokensUpdated, ev.Kind)
		assert.Equal(t, int64(10), ev.InputTokens)
		assert.Equal(t, int64(5), ev.OutputTokens)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestClient_TransportClosureRejectsPendingAndClosesEvents(t *testing.T) {
	c, agent := startFakeAgent(t)

	errs := make(chan error, 1)
	go func() { errs <- c.SendUserTurn(t.Context(), "th-1", "hello") }()
	agent.nextRequest()

	agent.out.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call never rejected")
	}

	select {
	case _, ok := <-c.Events():
		assert.False(t, ok, "event channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("event channel not closed")
	}
}

func TestClient_InterruptTurnSendsBothIdentifiers(t *testing.T) {
	c, agent := startFakeAgent(t)

	errs := make(chan error, 1)
	go func() { errs <- c.InterruptTurn(t.Context(), "th-9", "turn-3") }()

	req := agent.nextRequest()
	assert.Equal(t, "interruptTurn", req.Method)

	params, err := json.Marshal(req.Params)
	require.NoError(t, err)
	assert.JSONEq(t, `{"threadId":"th-9","turnId":"turn-3"}`, string(params))

	agent.reply(req.ID, `{}`)
	require.NoError(t, <-errs)
}
