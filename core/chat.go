package core

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMaxMessageLength is the maximum number of runes in a message text
	// unless a store is configured otherwise.
	DefaultMaxMessageLength = 4000

	defaultRoomsLimit    = 20
	maxRoomsLimit        = 100
	defaultMessagesLimit = 50
	maxMessagesLimit     = 100

	// maxCreateAttempts bounds the insert/re-fetch loop of GetOrCreateRoom.
	maxCreateAttempts = 3
)

// Room is the conversation between exactly two participants.
type Room struct {
	ID string `json:"id"`
	// Participants is sorted in ascending order.
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	// LastSeq is the sequence number of the newest message, 0 when the log is empty.
	LastSeq     int64    `json:"last_seq"`
	LastMessage *Message `json:"last_message,omitempty"`
}

// HasParticipant reports whether p is one of the room's two participants.
func (r *Room) HasParticipant(p string) bool {
	return r.Participants[0] == p || r.Participants[1] == p
}

// Other returns the participant of the room that is not p.
func (r *Room) Other(p string) string {
	if r.Participants[0] == p {
		return r.Participants[1]
	}
	return r.Participants[0]
}

// Message is an entry of a room's append-only log.
type Message struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
	// Seq is the position of the message in the room's log, starting at 1.
	Seq    int64     `json:"seq"`
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// ReadMarker records how far a participant has read a room's log.
type ReadMarker struct {
	RoomID      string    `json:"room_id"`
	Participant string    `json:"participant"`
	LastReadSeq int64     `json:"last_read_seq"`
	ReadAt      time.Time `json:"read_at"`
}

// AppendMessageInput represents the input for appending a message to a room.
type AppendMessageInput struct {
	RoomID string
	Sender string
	Text   string
	// SentAt defaults to the current time when nil.
	SentAt *time.Time
}

// Order is the direction in which a room's log is paged.
type Order string

const (
	OldestFirst Order = "asc"
	NewestFirst Order = "desc"
)

// PageQuery selects a page of a room's log.
type PageQuery struct {
	// Cursor is the NextCursor of the previous page, empty for the first page.
	Cursor string
	// Limit defaults to 50 and is capped at 100.
	Limit int
	// Order defaults to OldestFirst.
	Order Order
}

// MessagePage is one page of a room's log.
type MessagePage struct {
	Messages []Message `json:"messages"`
	// NextCursor is empty when no further message existed at read time.
	NextCursor string `json:"next_cursor"`
}

// ListRoomsOptions paginates ListRooms. A zero Limit means 20.
type ListRoomsOptions struct {
	Offset int
	Limit  int
}

// ChatStore owns rooms, their message logs and the participants' read markers.
type ChatStore interface {
	// GetOrCreateRoom returns the room between a and b, creating it when it does not exist.
	// The boolean is true when this call created the room.
	// Concurrent calls for the same pair persist exactly one room.
	// It returns ErrInvalidParticipant if the pair is invalid.
	GetOrCreateRoom(ctx context.Context, a, b string) (*Room, bool, error)

	// GetRoom returns the room with the given id or ErrNotFound.
	GetRoom(ctx context.Context, roomID string) (*Room, error)

	// ListRooms returns the rooms of a participant, most recently updated first,
	// each with its last message.
	ListRooms(ctx context.Context, participant string, opts ListRoomsOptions) ([]Room, error)

	// AppendMessage appends a message to the room's log in a single transaction.
	// It returns ErrEmptyMessage, ErrMessageTooLong, ErrNotFound or ErrNotAParticipant
	// when the input is rejected. The sender's read marker is moved to the new message.
	AppendMessage(ctx context.Context, input AppendMessageInput) (*Message, error)

	// ListMessages returns a page of the room's log. It returns ErrNotFound when the
	// room does not exist and ErrInvalidArgument for a malformed query.
	ListMessages(ctx context.Context, roomID string, query PageQuery) (*MessagePage, error)

	// MarkRead moves the participant's read marker to upTo, or to the newest message
	// when upTo is zero. The marker never moves backwards.
	MarkRead(ctx context.Context, roomID, participant string, upTo int64) (*ReadMarker, error)

	// ReadMarkers returns the participant's read markers keyed by room id.
	ReadMarkers(ctx context.Context, participant string) (map[string]ReadMarker, error)

	Close() error
}

// validateText trims nothing from the stored text; it only decides whether the
// text is acceptable.
func validateText(text string, maxLength int) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	if utf8.RuneCountInString(text) > maxLength {
		return ErrMessageTooLong
	}
	return nil
}

func normalizeRoomsOptions(opts ListRoomsOptions) ListRoomsOptions {
	if opts.Limit <= 0 {
		opts.Limit = defaultRoomsLimit
	}
	if opts.Limit > maxRoomsLimit {
		opts.Limit = maxRoomsLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}

// sentAtFor returns the timestamp of a new message: the requested time, or now,
// but never earlier than the previous message of the room.
func sentAtFor(requested *time.Time, now, previous time.Time) time.Time {
	sentAt := now
	if requested != nil && !requested.IsZero() {
		sentAt = requested.UTC()
	}
	if sentAt.Before(previous) {
		sentAt = previous
	}
	return sentAt
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
