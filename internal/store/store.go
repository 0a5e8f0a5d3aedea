// ABOUTME: Turn archive interface and record types.
// ABOUTME: Defines what the bridge persists about each completed turn.

package store

import (
	"context"
	"time"
)

// Turn is the archived record of one completed agent turn.
type Turn struct {
	ID           string
	ChannelID    string
	ThreadTS     string
	UserID       string
	AgentThread  string
	TurnID       string
	Status       string
	Text         string
	InputTokens  int64
	OutputTokens int64
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Store archives completed turns.
type Store interface {
	SaveTurn(ctx context.Context, turn Turn) error
	ListTurns(ctx context.Context, channelID, threadTS string, limit int) ([]Turn, error)
	Close() error
}
