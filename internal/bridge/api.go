// ABOUTME: HTTP API handlers for triggering and inspecting conversations.
// ABOUTME: Provides /health plus POST /api/send, /api/abort, /api/stop.

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/coven-bridge/internal/session"
	"github.com/2389/coven-bridge/internal/store"
)

// SendRequest is the JSON request body for POST /api/send.
type SendRequest struct {
	ChannelID string `json:"channel_id"`
	ThreadTS  string `json:"thread_ts"`
	UserID    string `json:"user_id,omitempty"`
	Text      string `json:"text"`
}

// ConversationRequest is the JSON request body for POST /api/abort and
// POST /api/stop.
type ConversationRequest struct {
	ChannelID string `json:"channel_id"`
	ThreadTS  string `json:"thread_ts"`
}

// AbortResponse is the JSON response for POST /api/abort.
type AbortResponse struct {
	Deferred bool `json:"deferred"`
}

// TurnResponse is the JSON shape of one archived turn.
type TurnResponse struct {
	TurnID       string `json:"turn_id"`
	Status       string `json:"status"`
	Text         string `json:"text"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CompletedAt  string `json:"completed_at"`
}

// Mux returns the HTTP handler for the trigger surface.
func (b *Bridge) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/api/send", b.handleSend)
	mux.HandleFunc("/api/abort", b.handleAbort)
	mux.HandleFunc("/api/stop", b.handleStop)
	mux.HandleFunc("/api/turns", b.handleTurns)
	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleSend handles POST /api/send requests. The first send for a
// channel+thread pair starts a conversation; later ones continue it.
func (b *Bridge) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseSendRequest(r.Body)
	if err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := b.SendTurn(r.Context(), req.ChannelID, req.ThreadTS, req.UserID, req.Text); err != nil {
		b.logger.Error("send failed", "channel_id", req.ChannelID, "error", err)
		b.sendJSONError(w, http.StatusBadGateway, "agent unavailable")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleAbort handles POST /api/abort requests.
func (b *Bridge) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseConversationRequest(r.Body)
	if err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	deferred, err := b.Abort(req.ChannelID, req.ThreadTS)
	if errors.Is(err, session.ErrUnknownConversation) {
		b.sendJSONError(w, http.StatusNotFound, "no such conversation")
		return
	}
	if err != nil {
		b.logger.Error("abort failed", "channel_id", req.ChannelID, "error", err)
		b.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AbortResponse{Deferred: deferred})
}

// handleStop handles POST /api/stop requests.
func (b *Bridge) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseConversationRequest(r.Body)
	if err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	b.Stop(req.ChannelID, req.ThreadTS)
	w.WriteHeader(http.StatusNoContent)
}

// handleTurns handles GET /api/turns?channel_id=X&thread_ts=Y requests,
// returning the archived turns of a conversation, newest first.
func (b *Bridge) handleTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if b.archive == nil {
		b.sendJSONError(w, http.StatusNotFound, "turn archive disabled")
		return
	}

	channelID := r.URL.Query().Get("channel_id")
	threadTS := r.URL.Query().Get("thread_ts")
	if channelID == "" || threadTS == "" {
		b.sendJSONError(w, http.StatusBadRequest, "channel_id and thread_ts are required")
		return
	}

	turns, err := b.archive.ListTurns(r.Context(), channelID, threadTS, 50)
	if err != nil {
		b.logger.Error("listing turns failed", "channel_id", channelID, "error", err)
		b.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]TurnResponse, 0, len(turns))
	for _, t := range turns {
		resp = append(resp, turnResponse(t))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func turnResponse(t store.Turn) TurnResponse {
	return TurnResponse{
		TurnID:       t.TurnID,
		Status:       t.Status,
		Text:         t.Text,
		InputTokens:  t.InputTokens,
		OutputTokens: t.OutputTokens,
		CompletedAt:  t.CompletedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func (b *Bridge) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseSendRequest parses and validates a SendRequest from the given reader.
func parseSendRequest(r io.Reader) (*SendRequest, error) {
	var req SendRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.ChannelID == "" || req.ThreadTS == "" {
		return nil, fmt.Errorf("channel_id and thread_ts are required")
	}
	if req.Text == "" {
		return nil, fmt.Errorf("text is required")
	}
	return &req, nil
}

func parseConversationRequest(r io.Reader) (*ConversationRequest, error) {
	var req ConversationRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.ChannelID == "" || req.ThreadTS == "" {
		return nil, fmt.Errorf("channel_id and thread_ts are required")
	}
	return &req, nil
}
