// ABOUTME: Typed notification events emitted by the agent subprocess.
// ABOUTME: Decodes wire notifications (item:delta, turn:started, ...) into Event values.

package agentproc

import (
	"encoding/json"
)

// EventKind identifies the type of a subprocess notification.
type EventKind int

const (
	EventItemStarted EventKind = iota
	EventItemDelta
	EventCommandOutput
	EventItemCompleted
	EventTurnStarted
	EventTurnCompleted
	EventContextTurnID
	EventTokensUpdated
)

// String returns the wire method name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventItemStarted:
		return "item:started"
	case EventItemDelta:
		return "item:delta"
	case EventCommandOutput:
		return "command:output"
	case EventItemCompleted:
		return "item:completed"
	case EventTurnStarted:
		return "turn:started"
	case EventTurnCompleted:
		return "turn:completed"
	case EventContextTurnID:
		return "context:turnId"
	case EventTokensUpdated:
		return "tokens:updated"
	default:
		return "unknown"
	}
}

// Event is a single notification from the agent subprocess. Fields are
// populated according to Kind; unset fields are zero.
type Event struct {
	Kind EventKind

	ThreadID string
	TurnID   string

	// Item events
	ItemID         string
	ItemType       string
	CommandActions []string
	Delta          string

	// turn:completed
	Status string

	// tokens:updated
	InputTokens   int64
	OutputTokens  int64
	ContextWindow int64
}

// eventParams is the superset of notification payload fields on the wire.
type eventParams struct {
	ItemID         string   `json:"itemId"`
	ItemType       string   `json:"itemType"`
	CommandActions []string `json:"commandActions"`
	Delta          string   `json:"delta"`
	ThreadID       string   `json:"threadId"`
	TurnID         string   `json:"turnId"`
	Status         string   `json:"status"`
	InputTokens    int64    `json:"inputTokens"`
	OutputTokens   int64    `json:"outputTokens"`
	ContextWindow  int64    `json:"contextWindow"`
}

// decodeEvent converts a wire notification into an Event. Returns false for
// methods this bridge does not consume.
func decodeEvent(method string, params json.RawMessage) (Event, bool) {
	var kind EventKind
	switch method {
	case "item:started":
		kind = EventItemStarted
	case "item:delta":
		kind = EventItemDelta
	case "command:output":
		kind = EventCommandOutput
	case "item:completed":
		kind = EventItemCompleted
	case "turn:started":
		kind = EventTurnStarted
	case "turn:completed":
		kind = EventTurnCompleted
	case "context:turnId":
		kind = EventContextTurnID
	case "tokens:updated":
		kind = EventTokensUpdated
	default:
		return Event{}, false
	}

	var p eventParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, false
		}
	}

	return Event{
		Kind:           kind,
		ThreadID:       p.ThreadID,
		TurnID:         p.TurnID,
		ItemID:         p.ItemID,
		ItemType:       p.ItemType,
		CommandActions: p.CommandActions,
		Delta:          p.Delta,
		Status:         p.Status,
		InputTokens:    p.InputTokens,
		OutputTokens:   p.OutputTokens,
		ContextWindow:  p.ContextWindow,
	}, true
}
