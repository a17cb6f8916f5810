package directchat

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/directchat/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitConnected(t *testing.T, fx *appFixture, participants ...string) {
	require.Eventually(t, func() bool {
		for _, p := range participants {
			if !fx.app.wsManager.IsUserConnected(p) {
				return false
			}
		}
		return true
	}, baseTimeout, baseTimeout/20)
}

func TestWebsocket_Unauthenticated(t *testing.T) {
	fx := setUpAppFixture(t, testConfig(t, SQLiteDriver))
	defer fx.tearDown()

	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/ws"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.NotNil(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestWebsocket_MessageDelivery(t *testing.T) {
	forEachDriver(t, nil, func(t *testing.T, fx *appFixture) {
		alice, bob, carol := fx.client("alice"), fx.client("bob"), fx.client("carol")
		res := alice.do(t, http.MethodPost, "/api/conversations", OpenConversationPayload{ParticipantID: "bob"})
		require.Equal(t, http.StatusCreated, res.StatusCode)

		aliceConn, bobConn, carolConn := alice.dial(t), bob.dial(t), carol.dial(t)
		waitConnected(t, fx, "alice", "bob", "carol")

		t.Run("appended over http", func(t *testing.T) {
			res := alice.do(t, http.MethodPost, "/api/conversations/alice:bob/messages", SendMessagePayload{Text: "hello"})
			require.Equal(t, http.StatusCreated, res.StatusCode)
			sent := decodeBody[core.Message](t, res)

			for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
				e := readEventOfType(t, conn, MessageEvent)
				var got core.Message
				require.Nil(t, json.Unmarshal(e.Payload, &got))
				assert.Equal(t, sent.ID, got.ID)
				assert.Equal(t, int64(1), got.Seq)
				assert.Equal(t, "hello", got.Text)
			}
		})

		t.Run("appended over websocket", func(t *testing.T) {
			writeEvent(t, bobConn, MessageEvent, MessageEventPayload{RoomID: "alice:bob", Text: "hey"})

			e := readEventOfType(t, aliceConn, MessageEvent)
			var got core.Message
			require.Nil(t, json.Unmarshal(e.Payload, &got))
			assert.Equal(t, "bob", got.Sender)
			assert.Equal(t, int64(2), got.Seq)

			readEventOfType(t, bobConn, MessageEvent)
		})

		t.Run("read marker", func(t *testing.T) {
			writeEvent(t, aliceConn, ReadEvent, ReadEventPayload{RoomID: "alice:bob"})

			e := readEventOfType(t, bobConn, ReadEvent)
			var marker core.ReadMarker
			require.Nil(t, json.Unmarshal(e.Payload, &marker))
			assert.Equal(t, "alice", marker.Participant)
			assert.Equal(t, int64(2), marker.LastReadSeq)

			readEventOfType(t, aliceConn, ReadEvent)
		})

		t.Run("typing is relayed to the counterpart", func(t *testing.T) {
			writeEvent(t, aliceConn, TypingEvent, TypingEventPayload{RoomID: "alice:bob", Typing: true})

			e := readEventOfType(t, bobConn, TypingEvent)
			var typing TypingEventPayload
			require.Nil(t, json.Unmarshal(e.Payload, &typing))
			assert.Equal(t, "alice", typing.Participant)
			assert.True(t, typing.Typing)
		})

		t.Run("rejected events are reported to the dispatcher", func(t *testing.T) {
			cases := []struct {
				name      string
				eventType string
				payload   any
				reason    error
			}{
				{"empty text", MessageEvent, MessageEventPayload{RoomID: "alice:bob", Text: " "}, core.ErrEmptyMessage},
				{"outsider", MessageEvent, MessageEventPayload{RoomID: "alice:bob", Text: "hi"}, core.ErrForbidden},
				{"missing room", TypingEvent, TypingEventPayload{Typing: true}, core.ErrInvalidArgument},
			}
			for _, tc := range cases {
				t.Run(tc.name, func(t *testing.T) {
					conn := bobConn
					if tc.name == "outsider" {
						conn = carolConn
					}
					writeEvent(t, conn, tc.eventType, tc.payload)

					e := readEventOfType(t, conn, core.EventError)
					var payload core.ErrorEventPayload
					require.Nil(t, json.Unmarshal(e.Payload, &payload))
					assert.Equal(t, tc.eventType, payload.Event)
					assert.Contains(t, payload.Error, tc.reason.Error())
				})
			}
		})

		// carol never received anything from the room
		carolConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		for {
			var e core.Event
			_, r, err := carolConn.NextReader()
			if err != nil {
				break
			}
			require.Nil(t, core.DecodeEvent(r, &e))
			assert.NotEqual(t, MessageEvent, e.Type)
			assert.NotEqual(t, TypingEvent, e.Type)
		}
	})
}

func TestWebsocket_MessagesKeepSendOrder(t *testing.T) {
	forEachDriver(t, nil, func(t *testing.T, fx *appFixture) {
		alice := fx.client("alice")
		res := alice.do(t, http.MethodPost, "/api/conversations", OpenConversationPayload{ParticipantID: "bob"})
		require.Equal(t, http.StatusCreated, res.StatusCode)

		conn := alice.dial(t)
		waitConnected(t, fx, "alice")

		const n = 60
		want := make([]string, n)
		for i := range want {
			want[i] = strconv.Itoa(i)
			writeEvent(t, conn, MessageEvent, MessageEventPayload{RoomID: "alice:bob", Text: want[i]})
		}

		var texts []string
		require.Eventually(t, func() bool {
			res := alice.do(t, http.MethodGet, "/api/conversations/alice:bob/messages?limit=100", nil)
			if res.StatusCode != http.StatusOK {
				return false
			}
			page := decodeBody[core.MessagePage](t, res)
			texts = texts[:0]
			for _, m := range page.Messages {
				texts = append(texts, m.Text)
			}
			return len(texts) == n
		}, baseTimeout, baseTimeout/20)
		assert.Equal(t, want, texts)
	})
}

func TestWebsocket_Presence(t *testing.T) {
	fx := setUpAppFixture(t, testConfig(t, SQLiteDriver))
	defer fx.tearDown()

	alice, bob := fx.client("alice"), fx.client("bob")
	res := alice.do(t, http.MethodPost, "/api/conversations", OpenConversationPayload{ParticipantID: "bob"})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	aliceConn := alice.dial(t)
	waitConnected(t, fx, "alice")

	bobConn := bob.dial(t)

	presence := func(conn *websocket.Conn, eventType string) string {
		e := readEventOfType(t, conn, eventType)
		var payload PresenceEventPayload
		require.Nil(t, json.Unmarshal(e.Payload, &payload))
		return payload.Participant
	}

	// alice learns that bob came online, bob learns that alice already is
	assert.Equal(t, "bob", presence(aliceConn, OnlineEvent))
	assert.Equal(t, "alice", presence(bobConn, OnlineEvent))

	require.Nil(t, bobConn.Close())
	assert.Equal(t, "bob", presence(aliceConn, OfflineEvent))
}

func TestWebsocket_RateLimit(t *testing.T) {
	config := testConfig(t, BadgerDriver)
	config.RateLimit.MessagesPerSecond = 0.001
	config.RateLimit.Burst = 1
	fx := setUpAppFixture(t, config)
	defer fx.tearDown()

	alice := fx.client("alice")
	res := alice.do(t, http.MethodPost, "/api/conversations", OpenConversationPayload{ParticipantID: "bob"})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	conn := alice.dial(t)
	waitConnected(t, fx, "alice")

	writeEvent(t, conn, MessageEvent, MessageEventPayload{RoomID: "alice:bob", Text: "one"})
	readEventOfType(t, conn, MessageEvent)

	writeEvent(t, conn, MessageEvent, MessageEventPayload{RoomID: "alice:bob", Text: "two"})
	e := readEventOfType(t, conn, core.EventError)
	var payload core.ErrorEventPayload
	require.Nil(t, json.Unmarshal(e.Payload, &payload))
	assert.Equal(t, core.ErrRateLimited.Error(), payload.Error)
}
