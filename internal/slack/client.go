// ABOUTME: Minimal Slack Web API client for posting and editing messages.
// ABOUTME: Implements the publisher contract with rate limiting built in.

package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://slack.com/api"

// Slack's chat.postMessage tier allows roughly one message per second per
// channel; one global limiter keeps the whole bridge under it.
const postsPerSecond = 1

// Client talks to the Slack Web API with a bot token. It implements the
// updater publisher contract: Create posts a new message into a thread and
// Update edits it in place.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient builds a Slack client for the given bot token.
func NewClient(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		token:      token,
		limiter:    rate.NewLimiter(rate.Limit(postsPerSecond), 2),
		logger:     logger.With("component", "slack"),
	}
}

type postMessageRequest struct {
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts,omitempty"`
	Text     string `json:"text"`
	Mrkdwn   bool   `json:"mrkdwn"`
}

type updateRequest struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
	Text    string `json:"text"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

// Create posts a new message into the thread and returns its message
// timestamp, which Slack uses as the edit handle.
func (c *Client) Create(ctx context.Context, channelID, threadTS, text string) (string, error) {
	resp, err := c.call(ctx, "chat.postMessage", postMessageRequest{
		Channel:  channelID,
		ThreadTS: threadTS,
		Text:     text,
		Mrkdwn:   true,
	})
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

// Update edits the message identified by targetID in place.
func (c *Client) Update(ctx context.Context, channelID, targetID, text string) error {
	_, err := c.call(ctx, "chat.update", updateRequest{
		Channel: channelID,
		TS:      targetID,
		Text:    text,
	})
	return err
}

func (c *Client) call(ctx context.Context, method string, payload any) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", method, httpResp.StatusCode)
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("%s: slack error: %s", method, resp.Error)
	}

	return &resp, nil
}
