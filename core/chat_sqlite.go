package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/putto11262002/directchat/pkg/metrics"
)

type SQLiteChatStore struct {
	db *sql.DB
	storeOptions
}

// NewSQLiteChatStore returns a store over a migrated database.
// Write transactions rely on the connection opening them with BEGIN IMMEDIATE
// (see SQLiteDBOption.TxLock) to linearize appends to a room.
func NewSQLiteChatStore(db *sql.DB, opts ...StoreOption) *SQLiteChatStore {
	return &SQLiteChatStore{
		db:           db,
		storeOptions: newStoreOptions(opts),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner, room *Room) error {
	return row.Scan(&room.ID, &room.Participants[0], &room.Participants[1],
		&room.CreatedAt, &room.UpdatedAt, &room.LastSeq)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *SQLiteChatStore) GetOrCreateRoom(ctx context.Context, a, b string) (*Room, bool, error) {
	pair, err := canonicalPair(a, b)
	if err != nil {
		return nil, false, err
	}
	roomID := pair[0] + RoomIDSeparator + pair[1]

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		room, err := s.GetRoom(ctx, roomID)
		if err == nil {
			return room, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}

		room, err = s.insertRoom(ctx, roomID, pair)
		if err == nil {
			return room, true, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, false, err
		}
		metrics.RoomCreateConflicts.Inc()
		s.logger.Debug("room create conflict, re-fetching",
			"room_id", roomID, "attempt", attempt)
	}
	return nil, false, fmt.Errorf("GetOrCreateRoom(%s): %d attempts: %w",
		roomID, maxCreateAttempts, ErrStorageUnavailable)
}

func (s *SQLiteChatStore) insertRoom(ctx context.Context, roomID string, pair [2]string) (*Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("BeginTx", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	query := `
	INSERT INTO rooms (id, participant_a, participant_b, created_at, updated_at, last_seq, last_sent_at)
	VALUES (@id, @participant_a, @participant_b, @created_at, @updated_at, 0, @last_sent_at)`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("id", roomID),
		sql.Named("participant_a", pair[0]), sql.Named("participant_b", pair[1]),
		sql.Named("created_at", now), sql.Named("updated_at", now),
		sql.Named("last_sent_at", time.Time{}.UTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, storageErr("ExecContext(insert rooms)", err)
	}

	query = `
	INSERT INTO read_markers (room_id, participant, last_read_seq, read_at)
	VALUES (@room_id, @participant_a, 0, @read_at), (@room_id, @participant_b, 0, @read_at)`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("room_id", roomID),
		sql.Named("participant_a", pair[0]), sql.Named("participant_b", pair[1]),
		sql.Named("read_at", now))
	if err != nil {
		return nil, storageErr("ExecContext(insert read_markers)", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, storageErr("Commit", err)
	}

	return &Room{
		ID:           roomID,
		Participants: pair,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *SQLiteChatStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	query := `
	SELECT id, participant_a, participant_b, created_at, updated_at, last_seq
	FROM rooms
	WHERE id = @id`

	row := s.db.QueryRowContext(ctx, query, sql.Named("id", roomID))

	var room Room
	if err := scanRoom(row, &room); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("row.Scan", err)
	}
	return &room, nil
}

func (s *SQLiteChatStore) ListRooms(ctx context.Context, participant string, opts ListRoomsOptions) ([]Room, error) {
	opts = normalizeRoomsOptions(opts)

	query := `
	SELECT r.id, r.participant_a, r.participant_b, r.created_at, r.updated_at, r.last_seq,
	m.id, m.seq, m.sender, m.text, m.sent_at
	FROM rooms AS r
	LEFT JOIN messages AS m ON m.room_id = r.id AND m.seq = r.last_seq
	WHERE r.participant_a = @participant OR r.participant_b = @participant
	ORDER BY r.updated_at DESC, r.id ASC
	LIMIT @limit OFFSET @offset`

	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("participant", participant),
		sql.Named("limit", opts.Limit), sql.Named("offset", opts.Offset))
	if err != nil {
		return nil, storageErr("QueryContext", err)
	}
	defer rows.Close()

	rooms := []Room{}
	for rows.Next() {
		var (
			room                    Room
			messageID, sender, text sql.NullString
			seq                     sql.NullInt64
			sentAt                  sql.NullTime
		)
		if err := rows.Scan(&room.ID, &room.Participants[0], &room.Participants[1],
			&room.CreatedAt, &room.UpdatedAt, &room.LastSeq,
			&messageID, &seq, &sender, &text, &sentAt); err != nil {
			return nil, storageErr("rows.Scan", err)
		}
		if messageID.Valid {
			room.LastMessage = &Message{
				ID:     messageID.String,
				RoomID: room.ID,
				Seq:    seq.Int64,
				Sender: sender.String,
				Text:   text.String,
				SentAt: sentAt.Time,
			}
		}
		rooms = append(rooms, room)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("rows.Err", err)
	}
	return rooms, nil
}

func (s *SQLiteChatStore) AppendMessage(ctx context.Context, input AppendMessageInput) (*Message, error) {
	if err := validateText(input.Text, s.maxMessageLength); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("BeginTx", err)
	}
	defer tx.Rollback()

	query := `
	SELECT participant_a, participant_b, last_seq, last_sent_at, updated_at
	FROM rooms
	WHERE id = @id`
	row := tx.QueryRowContext(ctx, query, sql.Named("id", input.RoomID))

	var (
		participants          [2]string
		lastSeq               int64
		lastSentAt, updatedAt time.Time
	)
	if err := row.Scan(&participants[0], &participants[1], &lastSeq, &lastSentAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("row.Scan", err)
	}
	if participants[0] != input.Sender && participants[1] != input.Sender {
		return nil, ErrNotAParticipant
	}

	now := s.now().UTC()
	message := &Message{
		ID:     uuid.NewString(),
		RoomID: input.RoomID,
		Seq:    lastSeq + 1,
		Sender: input.Sender,
		Text:   input.Text,
		SentAt: sentAtFor(input.SentAt, now, lastSentAt),
	}

	query = `
	UPDATE rooms SET
	last_seq = @seq,
	last_sent_at = @sent_at,
	updated_at = @updated_at
	WHERE id = @id AND last_seq = @prev_seq`
	res, err := tx.ExecContext(ctx, query,
		sql.Named("id", input.RoomID),
		sql.Named("seq", message.Seq), sql.Named("prev_seq", lastSeq),
		sql.Named("sent_at", message.SentAt),
		sql.Named("updated_at", laterOf(now, updatedAt.UTC())))
	if err != nil {
		return nil, storageErr("ExecContext(update rooms)", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		// only reachable when the connection does not open write transactions immediately
		return nil, storageErr("ExecContext(update rooms)",
			fmt.Errorf("log of room %s moved past seq %d", input.RoomID, lastSeq))
	}

	query = `
	INSERT INTO messages (room_id, seq, id, sender, text, sent_at)
	VALUES (@room_id, @seq, @id, @sender, @text, @sent_at)`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("room_id", message.RoomID), sql.Named("seq", message.Seq),
		sql.Named("id", message.ID), sql.Named("sender", message.Sender),
		sql.Named("text", message.Text), sql.Named("sent_at", message.SentAt))
	if err != nil {
		return nil, storageErr("ExecContext(insert messages)", err)
	}

	if err := upsertReadMarker(ctx, tx, message.RoomID, message.Sender, message.Seq, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("Commit", err)
	}

	return message, nil
}

func upsertReadMarker(ctx context.Context, tx *sql.Tx, roomID, participant string, seq int64, readAt time.Time) error {
	query := `
	INSERT INTO read_markers (room_id, participant, last_read_seq, read_at)
	VALUES (@room_id, @participant, @seq, @read_at)
	ON CONFLICT (room_id, participant) DO UPDATE SET
	last_read_seq = MAX(last_read_seq, excluded.last_read_seq),
	read_at = excluded.read_at`
	_, err := tx.ExecContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("participant", participant),
		sql.Named("seq", seq), sql.Named("read_at", readAt))
	if err != nil {
		return storageErr("ExecContext(upsert read_markers)", err)
	}
	return nil
}

func (s *SQLiteChatStore) ListMessages(ctx context.Context, roomID string, query PageQuery) (*MessagePage, error) {
	p, err := normalizePageQuery(query)
	if err != nil {
		return nil, err
	}

	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}

	var stmt string
	if p.order == OldestFirst {
		stmt = `
		SELECT id, room_id, seq, sender, text, sent_at
		FROM messages
		WHERE room_id = @room_id AND seq > @after
		ORDER BY seq ASC
		LIMIT @limit`
	} else {
		stmt = `
		SELECT id, room_id, seq, sender, text, sent_at
		FROM messages
		WHERE room_id = @room_id AND (@before = 0 OR seq < @before)
		ORDER BY seq DESC
		LIMIT @limit`
	}

	// one extra row tells whether another page exists
	rows, err := s.db.QueryContext(ctx, stmt,
		sql.Named("room_id", roomID),
		sql.Named("after", p.after), sql.Named("before", p.before),
		sql.Named("limit", p.limit+1))
	if err != nil {
		return nil, storageErr("QueryContext", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, p.limit+1)
	for rows.Next() {
		var message Message
		if err := rows.Scan(&message.ID, &message.RoomID, &message.Seq,
			&message.Sender, &message.Text, &message.SentAt); err != nil {
			return nil, storageErr("rows.Scan", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows.Err", err)
	}

	return p.finish(messages), nil
}

func (s *SQLiteChatStore) MarkRead(ctx context.Context, roomID, participant string, upTo int64) (*ReadMarker, error) {
	if upTo < 0 {
		return nil, fmt.Errorf("%w: negative seq", ErrInvalidArgument)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("BeginTx", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT participant_a, participant_b, last_seq FROM rooms WHERE id = @id`,
		sql.Named("id", roomID))
	var (
		participants [2]string
		lastSeq      int64
	)
	if err := row.Scan(&participants[0], &participants[1], &lastSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("row.Scan", err)
	}
	if participants[0] != participant && participants[1] != participant {
		return nil, ErrNotAParticipant
	}

	if upTo == 0 || upTo > lastSeq {
		upTo = lastSeq
	}
	now := s.now().UTC()
	if err := upsertReadMarker(ctx, tx, roomID, participant, upTo, now); err != nil {
		return nil, err
	}

	marker := ReadMarker{RoomID: roomID, Participant: participant}
	row = tx.QueryRowContext(ctx, `
	SELECT last_read_seq, read_at FROM read_markers
	WHERE room_id = @room_id AND participant = @participant`,
		sql.Named("room_id", roomID), sql.Named("participant", participant))
	if err := row.Scan(&marker.LastReadSeq, &marker.ReadAt); err != nil {
		return nil, storageErr("row.Scan", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("Commit", err)
	}
	return &marker, nil
}

func (s *SQLiteChatStore) ReadMarkers(ctx context.Context, participant string) (map[string]ReadMarker, error) {
	query := `
	SELECT room_id, participant, last_read_seq, read_at
	FROM read_markers
	WHERE participant = @participant`

	rows, err := s.db.QueryContext(ctx, query, sql.Named("participant", participant))
	if err != nil {
		return nil, storageErr("QueryContext", err)
	}
	defer rows.Close()

	markers := make(map[string]ReadMarker)
	for rows.Next() {
		var marker ReadMarker
		if err := rows.Scan(&marker.RoomID, &marker.Participant, &marker.LastReadSeq, &marker.ReadAt); err != nil {
			return nil, storageErr("rows.Scan", err)
		}
		markers[marker.RoomID] = marker
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows.Err", err)
	}
	return markers, nil
}

func (s *SQLiteChatStore) Close() error {
	return s.db.Close()
}
