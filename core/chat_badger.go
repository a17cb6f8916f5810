package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/putto11262002/directchat/pkg/metrics"
	"github.com/samber/lo"
)

// Badger key layout. Participant ids never contain RoomIDSeparator, so every
// prefix below matches exactly one room or participant.
//
//	room:{roomID}                   badgerRoom
//	participant:{participant}:{roomID}  empty, index of a participant's rooms
//	msg:{roomID}:{seq %020d}        Message
//	read:{roomID}:{participant}     ReadMarker
const (
	roomKeyPrefix        = "room:"
	participantKeyPrefix = "participant:"
	messageKeyPrefix     = "msg:"
	readKeyPrefix        = "read:"

	// seqKeyEnd sorts after every padded sequence number.
	seqKeyEnd = "99999999999999999999"
)

type badgerRoom struct {
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastSeq      int64     `json:"last_seq"`
	LastSentAt   time.Time `json:"last_sent_at"`
}

func (r badgerRoom) toRoom(id string) Room {
	return Room{
		ID:           id,
		Participants: r.Participants,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		LastSeq:      r.LastSeq,
	}
}

func roomKey(roomID string) []byte {
	return []byte(roomKeyPrefix + roomID)
}

func participantPrefix(participant string) []byte {
	return []byte(participantKeyPrefix + participant + RoomIDSeparator)
}

func messagePrefix(roomID string) []byte {
	return []byte(messageKeyPrefix + roomID + RoomIDSeparator)
}

func messageKey(roomID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s%s%020d", messageKeyPrefix, roomID, RoomIDSeparator, seq))
}

func readKey(roomID, participant string) []byte {
	return []byte(readKeyPrefix + roomID + RoomIDSeparator + participant)
}

// BadgerChatStore keeps rooms in an embedded badger database. Writes to a room
// are serialized in process; badger's conflict detection guards the rest.
type BadgerChatStore struct {
	db    *badger.DB
	rooms *KeyedMutex
	storeOptions
}

func NewBadgerChatStore(db *badger.DB, opts ...StoreOption) *BadgerChatStore {
	return &BadgerChatStore{
		db:           db,
		rooms:        NewKeyedMutex(),
		storeOptions: newStoreOptions(opts),
	}
}

// update runs fn in a read-write transaction, retrying when badger reports a conflict.
func (s *BadgerChatStore) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("badger transaction conflict, retrying", "op", op, "attempt", attempt)
	}
	return storageErr(op, err)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	return txn.Set(key, b)
}

// badgerErr maps sentinel and badger errors for callers of the store.
func badgerErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case IsClientError(err), errors.Is(err, ErrConflict), errors.Is(err, ErrStorageUnavailable):
		return err
	default:
		return storageErr(op, err)
	}
}

func (s *BadgerChatStore) GetOrCreateRoom(ctx context.Context, a, b string) (*Room, bool, error) {
	pair, err := canonicalPair(a, b)
	if err != nil {
		return nil, false, err
	}
	roomID := pair[0] + RoomIDSeparator + pair[1]

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		var (
			room    Room
			created bool
		)
		err := s.db.Update(func(txn *badger.Txn) error {
			var stored badgerRoom
			err := getJSON(txn, roomKey(roomID), &stored)
			if err == nil {
				room = stored.toRoom(roomID)
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			now := s.now().UTC()
			stored = badgerRoom{Participants: pair, CreatedAt: now, UpdatedAt: now}
			if err := setJSON(txn, roomKey(roomID), stored); err != nil {
				return err
			}
			for _, p := range pair {
				if err := txn.Set(append(participantPrefix(p), roomID...), nil); err != nil {
					return err
				}
				marker := ReadMarker{RoomID: roomID, Participant: p, ReadAt: now}
				if err := setJSON(txn, readKey(roomID, p), marker); err != nil {
					return err
				}
			}
			room = stored.toRoom(roomID)
			created = true
			return nil
		})
		if err == nil {
			return &room, created, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return nil, false, badgerErr("GetOrCreateRoom", err)
		}
		metrics.RoomCreateConflicts.Inc()
		s.logger.Debug("room create conflict, re-fetching",
			"room_id", roomID, "attempt", attempt)
	}
	return nil, false, fmt.Errorf("GetOrCreateRoom(%s): %d attempts: %w",
		roomID, maxCreateAttempts, ErrStorageUnavailable)
}

func (s *BadgerChatStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var room Room
	err := s.db.View(func(txn *badger.Txn) error {
		var stored badgerRoom
		if err := getJSON(txn, roomKey(roomID), &stored); err != nil {
			return err
		}
		room = stored.toRoom(roomID)
		return nil
	})
	if err != nil {
		return nil, badgerErr("GetRoom", err)
	}
	return &room, nil
}

// participantRoomIDs scans the participant index.
func participantRoomIDs(txn *badger.Txn, participant string) []string {
	prefix := participantPrefix(participant)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, string(it.Item().Key()[len(prefix):]))
	}
	return ids
}

func (s *BadgerChatStore) ListRooms(ctx context.Context, participant string, opts ListRoomsOptions) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = normalizeRoomsOptions(opts)

	rooms := []Room{}
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range participantRoomIDs(txn, participant) {
			var stored badgerRoom
			if err := getJSON(txn, roomKey(id), &stored); err != nil {
				return err
			}
			room := stored.toRoom(id)
			if stored.LastSeq > 0 {
				var last Message
				if err := getJSON(txn, messageKey(id, stored.LastSeq), &last); err != nil {
					return err
				}
				room.LastMessage = &last
			}
			rooms = append(rooms, room)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("ListRooms", err)
	}

	sortRooms(rooms)
	return lo.Slice(rooms, opts.Offset, opts.Offset+opts.Limit), nil
}

// sortRooms orders rooms by UpdatedAt descending, then by id.
func sortRooms(rooms []Room) {
	slices.SortFunc(rooms, func(a, b Room) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func (s *BadgerChatStore) AppendMessage(ctx context.Context, input AppendMessageInput) (*Message, error) {
	if err := validateText(input.Text, s.maxMessageLength); err != nil {
		return nil, err
	}

	unlock := s.rooms.Lock(input.RoomID)
	defer unlock()

	var message Message
	err := s.update(ctx, "AppendMessage", func(txn *badger.Txn) error {
		var stored badgerRoom
		if err := getJSON(txn, roomKey(input.RoomID), &stored); err != nil {
			return err
		}
		if stored.Participants[0] != input.Sender && stored.Participants[1] != input.Sender {
			return ErrNotAParticipant
		}

		now := s.now().UTC()
		message = Message{
			ID:     uuid.NewString(),
			RoomID: input.RoomID,
			Seq:    stored.LastSeq + 1,
			Sender: input.Sender,
			Text:   input.Text,
			SentAt: sentAtFor(input.SentAt, now, stored.LastSentAt),
		}
		stored.LastSeq = message.Seq
		stored.LastSentAt = message.SentAt
		stored.UpdatedAt = laterOf(now, stored.UpdatedAt)

		if err := setJSON(txn, messageKey(message.RoomID, message.Seq), message); err != nil {
			return err
		}
		if err := setJSON(txn, roomKey(message.RoomID), stored); err != nil {
			return err
		}
		_, err := advanceReadMarker(txn, message.RoomID, message.Sender, message.Seq, now)
		return err
	})
	if err != nil {
		return nil, badgerErr("AppendMessage", err)
	}
	return &message, nil
}

// advanceReadMarker moves the marker to seq unless it is already further.
func advanceReadMarker(txn *badger.Txn, roomID, participant string, seq int64, readAt time.Time) (ReadMarker, error) {
	marker := ReadMarker{RoomID: roomID, Participant: participant}
	if err := getJSON(txn, readKey(roomID, participant), &marker); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return marker, err
	}
	marker.LastReadSeq = max(marker.LastReadSeq, seq)
	marker.ReadAt = readAt
	return marker, setJSON(txn, readKey(roomID, participant), marker)
}

func (s *BadgerChatStore) ListMessages(ctx context.Context, roomID string, query PageQuery) (*MessagePage, error) {
	p, err := normalizePageQuery(query)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	if p.before < 0 {
		return p.finish(nil), nil
	}

	prefix := messagePrefix(roomID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = p.order == NewestFirst

	var seek []byte
	switch {
	case p.order == OldestFirst:
		seek = messageKey(roomID, p.after+1)
	case p.before == 0:
		seek = append(prefix, seqKeyEnd...)
	default:
		seek = messageKey(roomID, p.before-1)
	}

	// one extra message tells whether another page exists
	messages := make([]Message, 0, p.limit+1)
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(messages) <= p.limit; it.Next() {
			var message Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &message)
			})
			if err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("ListMessages", err)
	}
	return p.finish(messages), nil
}

func (s *BadgerChatStore) MarkRead(ctx context.Context, roomID, participant string, upTo int64) (*ReadMarker, error) {
	if upTo < 0 {
		return nil, fmt.Errorf("%w: negative seq", ErrInvalidArgument)
	}

	unlock := s.rooms.Lock(roomID)
	defer unlock()

	var marker ReadMarker
	err := s.update(ctx, "MarkRead", func(txn *badger.Txn) error {
		var stored badgerRoom
		if err := getJSON(txn, roomKey(roomID), &stored); err != nil {
			return err
		}
		if stored.Participants[0] != participant && stored.Participants[1] != participant {
			return ErrNotAParticipant
		}
		seq := upTo
		if seq == 0 || seq > stored.LastSeq {
			seq = stored.LastSeq
		}
		var err error
		marker, err = advanceReadMarker(txn, roomID, participant, seq, s.now().UTC())
		return err
	})
	if err != nil {
		return nil, badgerErr("MarkRead", err)
	}
	return &marker, nil
}

func (s *BadgerChatStore) ReadMarkers(ctx context.Context, participant string) (map[string]ReadMarker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	markers := make(map[string]ReadMarker)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range participantRoomIDs(txn, participant) {
			var marker ReadMarker
			err := getJSON(txn, readKey(id, participant), &marker)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			markers[id] = marker
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("ReadMarkers", err)
	}
	return markers, nil
}

func (s *BadgerChatStore) Close() error {
	return s.db.Close()
}

// OpenBadger opens the badger database at dir, in memory when dir is empty.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if strings.TrimSpace(dir) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger.Open: %w", err)
	}
	return db, nil
}
