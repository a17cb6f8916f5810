package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/directchat/migrations"
	"github.com/stretchr/testify/require"
)

// testClock advances by a millisecond on every reading so that timestamps are
// strictly increasing and ordering assertions are deterministic.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type ChatFixture struct {
	chatStore ChatStore
	clock     *testClock
	ctx       context.Context
	tearDown  func()
	t         *testing.T
}

func NewSQLiteChatFixture(t *testing.T, opts ...StoreOption) *ChatFixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "chat.db"), migrations.FS, nil)
	require.Nil(t, err)
	require.Nil(t, db.Migrate())

	clock := newTestClock()
	opts = append([]StoreOption{WithClock(clock.Now)}, opts...)
	store := NewSQLiteChatStore(db.DB, opts...)

	return &ChatFixture{
		chatStore: store,
		clock:     clock,
		ctx:       ctx,
		t:         t,
		tearDown: func() {
			cancel()
			store.Close()
		},
	}
}

func NewBadgerChatFixture(t *testing.T, opts ...StoreOption) *ChatFixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := OpenBadger(t.TempDir())
	require.Nil(t, err)

	clock := newTestClock()
	opts = append([]StoreOption{WithClock(clock.Now)}, opts...)
	store := NewBadgerChatStore(db, opts...)

	return &ChatFixture{
		chatStore: store,
		clock:     clock,
		ctx:       ctx,
		t:         t,
		tearDown: func() {
			cancel()
			store.Close()
		},
	}
}

type fixtureFactory func(t *testing.T, opts ...StoreOption) *ChatFixture

// forEachStore runs f once against every ChatStore implementation.
func forEachStore(t *testing.T, f func(t *testing.T, newFixture fixtureFactory)) {
	for name, factory := range map[string]fixtureFactory{
		"sqlite": NewSQLiteChatFixture,
		"badger": NewBadgerChatFixture,
	} {
		t.Run(name, func(t *testing.T) {
			f(t, factory)
		})
	}
}

func seedRoom(f *ChatFixture, a, b string) *Room {
	room, _, err := f.chatStore.GetOrCreateRoom(f.ctx, a, b)
	require.Nil(f.t, err)
	return room
}

func seedMessages(f *ChatFixture, roomID string, senders ...string) []Message {
	messages := make([]Message, 0, len(senders))
	for i, sender := range senders {
		m, err := f.chatStore.AppendMessage(f.ctx, AppendMessageInput{
			RoomID: roomID,
			Sender: sender,
			Text:   "message " + string(rune('a'+i%26)),
		})
		require.Nil(f.t, err)
		messages = append(messages, *m)
	}
	return messages
}

// alternate returns n senders taking turns between a and b.
func alternate(n int, a, b string) []string {
	senders := make([]string, n)
	for i := range senders {
		senders[i] = a
		if i%2 == 1 {
			senders[i] = b
		}
	}
	return senders
}

var fixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
