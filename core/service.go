package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/putto11262002/directchat/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	EventMessage = "message"
	EventRead    = "read"
)

// Publisher delivers events to the connected clients of the given participants.
type Publisher interface {
	EmitTo(t string, payload interface{}, participants ...string) error
}

type noopPublisher struct{}

func (noopPublisher) EmitTo(string, interface{}, ...string) error { return nil }

// ChatService is the entry point for callers acting on their own conversations.
// The caller is the identity verified by the session layer.
type ChatService struct {
	store     ChatStore
	publisher Publisher
	logger    *slog.Logger
	opening   singleflight.Group
}

func NewChatService(store ChatStore, publisher Publisher, logger *slog.Logger) *ChatService {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

func observe(op string, start time.Time, err *error) {
	metrics.ObserveOperation(op, start, *err)
}

// authorize resolves the participants of roomID and checks that caller is one of them.
func authorize(caller, roomID string) ([2]string, error) {
	pair, err := ParseRoomID(roomID)
	if err != nil {
		return pair, err
	}
	if pair[0] != caller && pair[1] != caller {
		return pair, ErrForbidden
	}
	return pair, nil
}

// OpenConversation returns the room between caller and other, creating it if needed.
// The boolean reports whether the room was created by this call or a call it joined.
func (s *ChatService) OpenConversation(ctx context.Context, caller, other string) (room *Room, created bool, err error) {
	defer observe("open_conversation", time.Now(), &err)

	roomID, err := CanonicalRoomID(caller, other)
	if err != nil {
		return nil, false, err
	}

	type result struct {
		room    Room
		created bool
	}
	// callers joining the flight must not fail because the first caller went away
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := s.opening.Do(roomID, func() (interface{}, error) {
		room, created, err := s.store.GetOrCreateRoom(flightCtx, caller, other)
		if err != nil {
			return nil, err
		}
		if created {
			metrics.RoomsCreated.Inc()
			s.logger.Info("room created", "room_id", room.ID)
		}
		return result{room: *room, created: created}, nil
	})
	if err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	res := v.(result)
	return &res.room, res.created, nil
}

// Counterpart returns the other participant of a room the caller participates in.
// It does not read the store.
func (s *ChatService) Counterpart(caller, roomID string) (string, error) {
	pair, err := authorize(caller, roomID)
	if err != nil {
		return "", err
	}
	if pair[0] == caller {
		return pair[1], nil
	}
	return pair[0], nil
}

// GetConversation returns a room the caller participates in.
func (s *ChatService) GetConversation(ctx context.Context, caller, roomID string) (room *Room, err error) {
	defer observe("get_conversation", time.Now(), &err)

	if _, err := authorize(caller, roomID); err != nil {
		return nil, err
	}
	return s.store.GetRoom(ctx, roomID)
}

// SendMessage appends text to the room as caller and publishes it to both participants.
// sentAt may be nil.
func (s *ChatService) SendMessage(ctx context.Context, caller, roomID, text string, sentAt *time.Time) (message *Message, err error) {
	defer observe("send_message", time.Now(), &err)

	pair, err := authorize(caller, roomID)
	if err != nil {
		return nil, err
	}

	message, err = s.store.AppendMessage(ctx, AppendMessageInput{
		RoomID: roomID,
		Sender: caller,
		Text:   text,
		SentAt: sentAt,
	})
	if err != nil {
		if errors.Is(err, ErrNotAParticipant) {
			return nil, ErrForbidden
		}
		return nil, err
	}
	metrics.MessagesAppended.Inc()

	if err := s.publisher.EmitTo(EventMessage, message, pair[:]...); err != nil {
		s.logger.Error(fmt.Sprintf("publish message: %v", err), "room_id", roomID)
	}
	return message, nil
}

// FetchHistory returns a page of the room's log to one of its participants.
func (s *ChatService) FetchHistory(ctx context.Context, caller, roomID string, query PageQuery) (page *MessagePage, err error) {
	defer observe("fetch_history", time.Now(), &err)

	if _, err := authorize(caller, roomID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, roomID, query)
}

func (s *ChatService) ListConversations(ctx context.Context, caller string, opts ListRoomsOptions) (rooms []Room, err error) {
	defer observe("list_conversations", time.Now(), &err)

	if err := validateParticipant(caller); err != nil {
		return nil, err
	}
	return s.store.ListRooms(ctx, caller, opts)
}

// MarkRead moves the caller's read marker and notifies both participants.
func (s *ChatService) MarkRead(ctx context.Context, caller, roomID string, upTo int64) (marker *ReadMarker, err error) {
	defer observe("mark_read", time.Now(), &err)

	pair, err := authorize(caller, roomID)
	if err != nil {
		return nil, err
	}

	marker, err = s.store.MarkRead(ctx, roomID, caller, upTo)
	if err != nil {
		if errors.Is(err, ErrNotAParticipant) {
			return nil, ErrForbidden
		}
		return nil, err
	}

	if err := s.publisher.EmitTo(EventRead, marker, pair[:]...); err != nil {
		s.logger.Error(fmt.Sprintf("publish read marker: %v", err), "room_id", roomID)
	}
	return marker, nil
}
