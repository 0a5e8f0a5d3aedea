// ABOUTME: Matrix publisher backed by mautrix.
// ABOUTME: Creates a status message per conversation and edits it in place.

package matrix

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Publisher posts and edits status messages in Matrix rooms. The channel id
// of a conversation maps to the room id, and the render-target id is the
// event id of the first message.
type Publisher struct {
	client *mautrix.Client
	logger *slog.Logger
}

// NewPublisher connects to the homeserver with an existing access token.
func NewPublisher(homeserver, userID, accessToken string, logger *slog.Logger) (*Publisher, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client: client,
		logger: logger.With("component", "matrix"),
	}, nil
}

// Create sends a new message into the room and returns its event id. Matrix
// has no thread handle separate from the room, so threadTS is unused.
func (p *Publisher) Create(ctx context.Context, channelID, _, text string) (string, error) {
	resp, err := p.client.SendText(ctx, id.RoomID(channelID), text)
	if err != nil {
		return "", fmt.Errorf("sending matrix message: %w", err)
	}
	return resp.EventID.String(), nil
}

// Update replaces the body of an earlier message via an m.replace edit.
func (p *Publisher) Update(ctx context.Context, channelID, targetID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	content.SetEdit(id.EventID(targetID))

	_, err := p.client.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("editing matrix message %s: %w", targetID, err)
	}
	return nil
}
