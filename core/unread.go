package core

import (
	"context"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// UnreadSummary is the unread state of one room for one participant.
type UnreadSummary struct {
	RoomID string `json:"room_id"`
	// With is the other participant of the room.
	With        string   `json:"with"`
	LastSeq     int64    `json:"last_seq"`
	LastReadSeq int64    `json:"last_read_seq"`
	Unread      int64    `json:"unread"`
	HasUnread   bool     `json:"has_unread"`
	LastMessage *Message `json:"last_message,omitempty"`
}

// UnreadFeed derives unread counts from the rooms' logs and the participants' read markers.
type UnreadFeed struct {
	store ChatStore
}

func NewUnreadFeed(store ChatStore) *UnreadFeed {
	return &UnreadFeed{store: store}
}

func (f *UnreadFeed) allRooms(ctx context.Context, participant string) ([]Room, error) {
	var rooms []Room
	for offset := 0; ; offset += maxRoomsLimit {
		page, err := f.store.ListRooms(ctx, participant, ListRoomsOptions{Offset: offset, Limit: maxRoomsLimit})
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, page...)
		if len(page) < maxRoomsLimit {
			return rooms, nil
		}
	}
}

// Unread returns one summary per room of the participant, most recently updated first.
func (f *UnreadFeed) Unread(ctx context.Context, participant string) ([]UnreadSummary, error) {
	if err := validateParticipant(participant); err != nil {
		return nil, err
	}

	var (
		rooms   []Room
		markers map[string]ReadMarker
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rooms, err = f.allRooms(gctx, participant)
		return err
	})
	g.Go(func() error {
		var err error
		markers, err = f.store.ReadMarkers(gctx, participant)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return lo.Map(rooms, func(room Room, _ int) UnreadSummary {
		lastRead := markers[room.ID].LastReadSeq
		unread := max(room.LastSeq-lastRead, 0)
		return UnreadSummary{
			RoomID:      room.ID,
			With:        room.Other(participant),
			LastSeq:     room.LastSeq,
			LastReadSeq: lastRead,
			Unread:      unread,
			HasUnread:   unread > 0,
			LastMessage: room.LastMessage,
		}
	}), nil
}

// TotalUnread sums the unread messages of every room of the participant.
func (f *UnreadFeed) TotalUnread(ctx context.Context, participant string) (int64, error) {
	summaries, err := f.Unread(ctx, participant)
	if err != nil {
		return 0, err
	}
	return lo.SumBy(summaries, func(s UnreadSummary) int64 { return s.Unread }), nil
}
