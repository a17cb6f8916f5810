package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type emitted struct {
	eventType    string
	payload      interface{}
	participants []string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []emitted
	err    error
}

func (p *recordingPublisher) EmitTo(t string, payload interface{}, participants ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, emitted{eventType: t, payload: payload, participants: participants})
	return p.err
}

type ServiceFixture struct {
	*ChatFixture
	service   *ChatService
	publisher *recordingPublisher
}

func NewServiceFixture(t *testing.T) *ServiceFixture {
	f := NewSQLiteChatFixture(t)
	publisher := &recordingPublisher{}
	return &ServiceFixture{
		ChatFixture: f,
		service:     NewChatService(f.chatStore, publisher, nil),
		publisher:   publisher,
	}
}

func TestChatService_OpenConversation(t *testing.T) {
	t.Run("open is commutative", func(t *testing.T) {
		f := NewServiceFixture(t)
		defer f.tearDown()

		room, created, err := f.service.OpenConversation(f.ctx, "bob", "alice")
		require.Nil(t, err)
		assert.True(t, created)
		assert.Equal(t, "alice:bob", room.ID)

		again, created, err := f.service.OpenConversation(f.ctx, "alice", "bob")
		require.Nil(t, err)
		assert.False(t, created)
		assert.Equal(t, room.ID, again.ID)
	})

	t.Run("invalid pair", func(t *testing.T) {
		f := NewServiceFixture(t)
		defer f.tearDown()

		_, _, err := f.service.OpenConversation(f.ctx, "alice", "alice")
		assert.ErrorIs(t, err, ErrInvalidParticipant)
	})

	t.Run("concurrent opens", func(t *testing.T) {
		f := NewServiceFixture(t)
		defer f.tearDown()

		ids := make([]string, 32)
		var g errgroup.Group
		for i := range ids {
			g.Go(func() error {
				room, _, err := f.service.OpenConversation(f.ctx, "alice", "bob")
				if err != nil {
					return err
				}
				ids[i] = room.ID
				return nil
			})
		}
		require.Nil(t, g.Wait())
		for _, id := range ids {
			assert.Equal(t, "alice:bob", id)
		}
	})
}

// gatedStore holds GetOrCreateRoom until release is closed and fails like a
// store honouring cancellation.
type gatedStore struct {
	ChatStore
	entered chan context.Context
	release chan struct{}
}

func (s *gatedStore) GetOrCreateRoom(ctx context.Context, a, b string) (*Room, bool, error) {
	s.entered <- ctx
	<-s.release
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return s.ChatStore.GetOrCreateRoom(ctx, a, b)
}

func TestChatService_OpenConversationCancelledCaller(t *testing.T) {
	f := NewServiceFixture(t)
	defer f.tearDown()

	store := &gatedStore{
		ChatStore: f.chatStore,
		entered:   make(chan context.Context, 2),
		release:   make(chan struct{}),
	}
	service := NewChatService(store, nil, nil)

	ctx, cancel := context.WithCancel(f.ctx)
	first := make(chan error, 1)
	go func() {
		_, _, err := service.OpenConversation(ctx, "alice", "bob")
		first <- err
	}()

	storeCtx := <-store.entered
	cancel()
	assert.Nil(t, storeCtx.Err())

	second := make(chan error, 1)
	go func() {
		room, _, err := service.OpenConversation(f.ctx, "bob", "alice")
		if err == nil && room.ID != "alice:bob" {
			err = errors.New("unexpected room " + room.ID)
		}
		second <- err
	}()

	close(store.release)
	assert.ErrorIs(t, <-first, context.Canceled)
	assert.Nil(t, <-second)

	room, err := f.chatStore.GetRoom(f.ctx, "alice:bob")
	require.Nil(t, err)
	assert.Equal(t, "alice:bob", room.ID)
}

func TestChatService_SendMessage(t *testing.T) {
	t.Run("publishes to both participants", func(t *testing.T) {
		f := NewServiceFixture(t)
		defer f.tearDown()

		room := seedRoom(f.ChatFixture, "alice", "bob")
		message, err := f.service.SendMessage(f.ctx, "alice", room.ID, "hello", nil)
		require.Nil(t, err)
		assert.Equal(t, int64(1), message.Seq)
		assert.Equal(t, "alice", message.Sender)

		require.Len(t, f.publisher.events, 1)
		event := f.publisher.events[0]
		assert.Equal(t, EventMessage, event.eventType)
		assert.Equal(t, message, event.payload)
		assert.ElementsMatch(t, []string{"alice", "bob"}, event.participants)
	})

	t.Run("publish failure does not fail the send", func(t *testing.T) {
		f := NewServiceFixture(t)
		defer f.tearDown()
		f.publisher.err = errors.New("hub closed")

		room := seedRoom(f.ChatFixture, "alice", "bob")
		_, err := f.service.SendMessage(f.ctx, "bob", room.ID, "hello", nil)
		assert.Nil(t, err)
	})

	t.Run("errors", func(t *testing.T) {
		f := NewServiceFixture(t)
		defer f.tearDown()

		room := seedRoom(f.ChatFixture, "alice", "bob")

		_, err := f.service.SendMessage(f.ctx, "carol", room.ID, "hi", nil)
		assert.ErrorIs(t, err, ErrForbidden)

		_, err = f.service.SendMessage(f.ctx, "alice", "alice:carol", "hi", nil)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = f.service.SendMessage(f.ctx, "alice", "bob:alice", "hi", nil)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = f.service.SendMessage(f.ctx, "alice", room.ID, "   ", nil)
		assert.ErrorIs(t, err, ErrEmptyMessage)

		assert.Empty(t, f.publisher.events)
	})
}

func TestChatService_FetchHistory(t *testing.T) {
	f := NewServiceFixture(t)
	defer f.tearDown()

	room := seedRoom(f.ChatFixture, "alice", "bob")
	seedMessages(f.ChatFixture, room.ID, "alice", "bob", "alice")

	page, err := f.service.FetchHistory(f.ctx, "bob", room.ID, PageQuery{Order: NewestFirst, Limit: 2})
	require.Nil(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, int64(3), page.Messages[0].Seq)
	assert.NotEmpty(t, page.NextCursor)

	_, err = f.service.FetchHistory(f.ctx, "carol", room.ID, PageQuery{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestChatService_ListConversations(t *testing.T) {
	f := NewServiceFixture(t)
	defer f.tearDown()

	seedRoom(f.ChatFixture, "alice", "bob")
	seedRoom(f.ChatFixture, "carol", "alice")

	rooms, err := f.service.ListConversations(f.ctx, "alice", ListRoomsOptions{})
	require.Nil(t, err)
	assert.Len(t, rooms, 2)

	_, err = f.service.ListConversations(f.ctx, "", ListRoomsOptions{})
	assert.ErrorIs(t, err, ErrInvalidParticipant)
}

func TestChatService_MarkRead(t *testing.T) {
	f := NewServiceFixture(t)
	defer f.tearDown()

	room := seedRoom(f.ChatFixture, "alice", "bob")
	seedMessages(f.ChatFixture, room.ID, "alice", "alice")

	marker, err := f.service.MarkRead(f.ctx, "bob", room.ID, 0)
	require.Nil(t, err)
	assert.Equal(t, int64(2), marker.LastReadSeq)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, EventRead, f.publisher.events[0].eventType)

	_, err = f.service.MarkRead(f.ctx, "carol", room.ID, 0)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.service.GetConversation(f.ctx, "bob", room.ID)
	require.Nil(t, err)
	assert.Equal(t, int64(2), got.LastSeq)

	_, err = f.service.GetConversation(f.ctx, "carol", room.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestChatService_Counterpart(t *testing.T) {
	f := NewServiceFixture(t)
	defer f.tearDown()

	other, err := f.service.Counterpart("alice", "alice:bob")
	require.Nil(t, err)
	assert.Equal(t, "bob", other)

	other, err = f.service.Counterpart("bob", "alice:bob")
	require.Nil(t, err)
	assert.Equal(t, "alice", other)

	_, err = f.service.Counterpart("carol", "alice:bob")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.service.Counterpart("alice", "bob:alice")
	assert.ErrorIs(t, err, ErrNotFound)
}
