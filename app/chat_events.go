package directchat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/putto11262002/directchat/core"
)

const (
	MessageEvent = core.EventMessage
	ReadEvent    = core.EventRead
	TypingEvent  = "typing"
	OnlineEvent  = "online"
	OfflineEvent = "offline"
)

type MessageEventPayload struct {
	RoomID string `json:"room_id" validate:"required"`
	Text   string `json:"text"`
}

type ReadEventPayload struct {
	RoomID string `json:"room_id" validate:"required"`
	Seq    int64  `json:"seq" validate:"gte=0"`
}

type TypingEventPayload struct {
	RoomID      string `json:"room_id" validate:"required"`
	Participant string `json:"participant"`
	Typing      bool   `json:"typing"`
}

type PresenceEventPayload struct {
	Participant string `json:"participant"`
}

func decodeEventPayload(e *core.Event, v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: malformed %s payload", core.ErrInvalidArgument, e.Type)
	}
	return validatePayload(v)
}

// MessageEventHandler appends the message as the dispatcher. The service
// publishes it to both participants.
func (app *App) MessageEventHandler(ctx context.Context, e *core.Event) error {
	var payload MessageEventPayload
	if err := decodeEventPayload(e, &payload); err != nil {
		return err
	}
	if !app.limiter.Allow(e.Dispatcher) {
		return core.ErrRateLimited
	}

	_, err := app.chat.SendMessage(ctx, e.Dispatcher, payload.RoomID, payload.Text, nil)
	return err
}

func (app *App) ReadEventHandler(ctx context.Context, e *core.Event) error {
	var payload ReadEventPayload
	if err := decodeEventPayload(e, &payload); err != nil {
		return err
	}

	_, err := app.chat.MarkRead(ctx, e.Dispatcher, payload.RoomID, payload.Seq)
	return err
}

// TypingEventHandler relays the typing state to the counterpart. Nothing is stored.
func (app *App) TypingEventHandler(ctx context.Context, e *core.Event) error {
	var payload TypingEventPayload
	if err := decodeEventPayload(e, &payload); err != nil {
		return err
	}

	other, err := app.chat.Counterpart(e.Dispatcher, payload.RoomID)
	if err != nil {
		return err
	}
	payload.Participant = e.Dispatcher
	return app.eventRouter.EmitTo(TypingEvent, payload, other)
}
