// ABOUTME: Matches asynchronous agent replies to outstanding calls by request id.
// ABOUTME: Each pending call is resolved exactly once: reply, timeout, or transport closure.

package agentproc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RPCError is an error reported by the agent for a specific call.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// Response is a reply frame read from the agent's duplex channel.
type Response struct {
	ID     int64
	Result json.RawMessage
	Error  *RPCError
}

// Result carries the outcome of a correlated call back to its caller.
type Result struct {
	Value json.RawMessage
	Err   error
}

type pendingCall struct {
	method string
	done   chan Result
	timer  *time.Timer
}

// Correlator matches out-of-order replies on a shared duplex channel to the
// callers that issued them. It knows nothing about sessions or conversations.
type Correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	logger  *slog.Logger
}

// NewCorrelator creates a Correlator. Pass nil logger for default.
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		pending: make(map[int64]*pendingCall),
		logger:  logger.With("component", "correlator"),
	}
}

// NextID returns the next request id from the process-wide monotonic counter.
// Uniqueness holds only while id generation is confined to this correlator.
func (c *Correlator) NextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// Add registers a pending call and returns the channel its Result is
// delivered on. The channel is buffered, so delivery never blocks the reader
// loop. If timeout is positive, the call is rejected when it expires.
func (c *Correlator) Add(id int64, method string, timeout time.Duration) <-chan Result {
	call := &pendingCall{
		method: method,
		done:   make(chan Result, 1),
	}

	c.mu.Lock()
	c.pending[id] = call
	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	}
	c.mu.Unlock()

	return call.done
}

// expire removes a timed-out call and rejects it, naming the method and id.
func (c *Correlator) expire(id int64) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	c.logger.Warn("call timed out", "method", call.method, "request_id", id)
	call.done <- Result{Err: fmt.Errorf("call %s (id %d) timed out", call.method, id)}
}

// Resolve delivers a reply to its pending call and removes the entry. A reply
// with no matching pending id (late or unsolicited) returns false and has no
// other effect; that is not an error condition.
func (c *Correlator) Resolve(resp *Response) bool {
	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
		if call.timer != nil {
			call.timer.Stop()
		}
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("reply for unknown request", "request_id", resp.ID)
		return false
	}

	if resp.Error != nil {
		call.done <- Result{Err: resp.Error}
	} else {
		call.done <- Result{Value: resp.Result}
	}
	return true
}

// RejectAll fails every pending call with err, cancels their timers, and
// clears the table. Called on transport closure so no caller is left waiting
// forever after the channel dies.
func (c *Correlator) RejectAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for id, call := range pending {
		if call.timer != nil {
			call.timer.Stop()
		}
		c.logger.Debug("rejecting pending call", "method", call.method, "request_id", id)
		call.done <- Result{Err: err}
	}
}

// PendingCount returns the number of outstanding calls. Used for diagnostics.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
