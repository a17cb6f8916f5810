package directchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/directchat/core"
	"github.com/putto11262002/directchat/pkg/router"
)

const maxPayloadSize = 64 << 10

type ConversationHandler struct {
	chat   *core.ChatService
	unread *core.UnreadFeed
}

func NewConversationHandler(chat *core.ChatService, unread *core.UnreadFeed) *ConversationHandler {
	return &ConversationHandler{chat: chat, unread: unread}
}

// ConversationResponse is a room as seen by one of its participants.
type ConversationResponse struct {
	core.Room
	// With is the other participant of the room.
	With string `json:"with"`
}

func conversationFor(room *core.Room, caller string) ConversationResponse {
	return ConversationResponse{Room: *room, With: room.Other(caller)}
}

// decodePayload decodes the JSON body into v. An empty body leaves v untouched
// when allowEmpty is set.
func decodePayload(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: malformed payload: %v", core.ErrInvalidArgument, err)
	}
	return nil
}

// roomIDParam returns the decoded room id. chi routes on RawPath when it is set,
// in which case the param is still escaped.
func roomIDParam(r *http.Request) (string, error) {
	roomID := chi.URLParam(r, "roomID")
	if r.URL.RawPath == "" {
		return roomID, nil
	}
	roomID, err := url.PathUnescape(roomID)
	if err != nil {
		return "", core.ErrNotFound
	}
	return roomID, nil
}

func intQuery(query url.Values, key string) (int, error) {
	s := query.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", core.ErrInvalidArgument, key)
	}
	return n, nil
}

type OpenConversationPayload struct {
	ParticipantID string `json:"participant_id" validate:"required"`
}

// OpenConversationHandler responds 201 when the conversation was created and 200 when it already existed.
func (h *ConversationHandler) OpenConversationHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	var payload OpenConversationPayload
	if err := decodePayload(w, r, &payload, false); err != nil {
		return err
	}
	if err := validatePayload(payload); err != nil {
		return err
	}

	room, created, err := h.chat.OpenConversation(r.Context(), session.Participant, payload.ParticipantID)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return router.JSON(w, status, conversationFor(room, session.Participant))
}

func (h *ConversationHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	query := r.URL.Query()
	offset, err := intQuery(query, "offset")
	if err != nil {
		return err
	}
	limit, err := intQuery(query, "limit")
	if err != nil {
		return err
	}

	rooms, err := h.chat.ListConversations(r.Context(), session.Participant, core.ListRoomsOptions{
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	res := make([]ConversationResponse, 0, len(rooms))
	for i := range rooms {
		res = append(res, conversationFor(&rooms[i], session.Participant))
	}
	return router.JSON(w, http.StatusOK, res)
}

type UnreadResponse struct {
	Conversations []core.UnreadSummary `json:"conversations"`
	Total         int64                `json:"total"`
}

func (h *ConversationHandler) UnreadHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	summaries, err := h.unread.Unread(r.Context(), session.Participant)
	if err != nil {
		return err
	}

	res := UnreadResponse{Conversations: summaries}
	if res.Conversations == nil {
		res.Conversations = []core.UnreadSummary{}
	}
	for _, s := range summaries {
		res.Total += s.Unread
	}
	return router.JSON(w, http.StatusOK, res)
}

func (h *ConversationHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	roomID, err := roomIDParam(r)
	if err != nil {
		return err
	}

	room, err := h.chat.GetConversation(r.Context(), session.Participant, roomID)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, conversationFor(room, session.Participant))
}

type SendMessagePayload struct {
	Text   string     `json:"text"`
	SentAt *time.Time `json:"sent_at,omitempty"`
}

func (h *ConversationHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	roomID, err := roomIDParam(r)
	if err != nil {
		return err
	}

	var payload SendMessagePayload
	if err := decodePayload(w, r, &payload, false); err != nil {
		return err
	}

	message, err := h.chat.SendMessage(r.Context(), session.Participant, roomID, payload.Text, payload.SentAt)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusCreated, message)
}

func (h *ConversationHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	roomID, err := roomIDParam(r)
	if err != nil {
		return err
	}

	query := r.URL.Query()
	limit, err := intQuery(query, "limit")
	if err != nil {
		return err
	}

	page, err := h.chat.FetchHistory(r.Context(), session.Participant, roomID, core.PageQuery{
		Cursor: query.Get("cursor"),
		Limit:  limit,
		Order:  core.Order(query.Get("order")),
	})
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, page)
}

type MarkReadPayload struct {
	// Seq is the last message read. Zero marks the whole log as read.
	Seq int64 `json:"seq" validate:"gte=0"`
}

func (h *ConversationHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	roomID, err := roomIDParam(r)
	if err != nil {
		return err
	}

	var payload MarkReadPayload
	if err := decodePayload(w, r, &payload, true); err != nil {
		return err
	}
	if err := validatePayload(payload); err != nil {
		return err
	}

	marker, err := h.chat.MarkRead(r.Context(), session.Participant, roomID, payload.Seq)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, marker)
}
