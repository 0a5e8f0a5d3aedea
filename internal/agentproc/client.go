// ABOUTME: Client for the agent subprocess over its stdio duplex channel.
// ABOUTME: Writes NDJSON requests to stdin, routes stdout replies and notifications.

package agentproc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrTransportClosed indicates the agent's output channel closed. All calls
// pending at that moment are rejected with this error.
var ErrTransportClosed = errors.New("agent transport closed")

const (
	defaultCallTimeout   = 30 * time.Second
	interruptCallTimeout = 10 * time.Second

	// maxFrameSize bounds a single NDJSON line from the agent.
	maxFrameSize = 4 * 1024 * 1024

	eventBufferSize = 64
)

// request is an outbound call frame.
type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// frame is the generic inbound shape: a reply carries an id, a notification
// carries a method.
type frame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Client drives one agent subprocess. Outbound calls are correlated by
// numeric id; notifications stream out on Events.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	corr   *Correlator
	events chan Event
	logger *slog.Logger

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// Spawn starts the agent subprocess and begins reading its output. The
// process inherits stderr so agent diagnostics reach the daemon's logs.
func Spawn(ctx context.Context, command string, args []string, logger *slog.Logger) (*Client, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent process: %w", err)
	}

	c := newClient(stdin, stdout, logger)
	c.cmd = cmd

	c.logger.Info("agent process started", "command", command, "pid", cmd.Process.Pid)
	return c, nil
}

// newClient wires a client over arbitrary pipes. Split out from Spawn so
// tests can drive the duplex channel without a real process.
func newClient(stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		stdin:  stdin,
		corr:   NewCorrelator(logger),
		events: make(chan Event, eventBufferSize),
		logger: logger.With("component", "agentproc"),
		closed: make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// Events returns the notification stream. The channel is closed when the
// agent's output channel closes.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Call issues a correlated request and waits for its reply. A cancelled ctx
// abandons the wait; the pending entry is then cleaned up by its timeout or
// by RejectAll on transport closure.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.corr.NextID()
	done := c.corr.Add(id, method, timeout)

	if err := c.send(&request{ID: id, Method: method, Params: params}); err != nil {
		c.corr.Resolve(&Response{ID: id, Error: &RPCError{Message: err.Error()}})
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case res := <-done:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send serializes one frame to the agent's stdin. Writes are serialized so
// concurrent callers cannot interleave partial frames.
func (c *Client) send(req *request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(data)
	return err
}

// readLoop consumes stdout frames until the channel closes, routing replies
// to the correlator and notifications to the event stream.
func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.logger.Warn("malformed frame from agent", "error", err)
			continue
		}

		switch {
		case f.ID != nil && f.Method == "":
			c.corr.Resolve(&Response{ID: *f.ID, Result: f.Result, Error: f.Error})

		case f.Method != "":
			ev, ok := decodeEvent(f.Method, f.Params)
			if !ok {
				c.logger.Debug("ignoring notification", "method", f.Method)
				continue
			}
			select {
			case c.events <- ev:
			case <-c.closed:
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("agent output read failed", "error", err)
	}

	c.corr.RejectAll(ErrTransportClosed)
	close(c.events)
}

// Close shuts the client down: stdin is closed so the agent can exit cleanly,
// and the process (if any) is waited on.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.stdin.Close()
		if c.cmd != nil {
			if waitErr := c.cmd.Wait(); waitErr != nil && err == nil {
				err = waitErr
			}
		}
	})
	return err
}

// StartThread asks the agent to create a new execution thread and returns its
// agent-side thread id.
func (c *Client) StartThread(ctx context.Context, model string, policy map[string]any) (string, error) {
	params := map[string]any{"model": model}
	if policy != nil {
		params["policy"] = policy
	}

	raw, err := c.Call(ctx, "startThread", params, defaultCallTimeout)
	if err != nil {
		return "", err
	}

	var out struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decoding startThread reply: %w", err)
	}
	if out.ThreadID == "" {
		return "", errors.New("startThread reply missing threadId")
	}
	return out.ThreadID, nil
}

// SendUserTurn submits a user prompt to an existing thread. The reply only
// acknowledges receipt; results stream back as notifications.
func (c *Client) SendUserTurn(ctx context.Context, threadID, prompt string) error {
	_, err := c.Call(ctx, "sendUserTurn", map[string]any{
		"threadId": threadID,
		"prompt":   prompt,
	}, defaultCallTimeout)
	return err
}

// InterruptTurn asks the agent to cancel a running turn. The cancel RPC
// requires both the thread id and the turn id.
func (c *Client) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	_, err := c.Call(ctx, "interruptTurn", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
	}, interruptCallTimeout)
	return err
}
