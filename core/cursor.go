package core

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const cursorPrefix = "seq:"

// page is a normalized PageQuery.
type page struct {
	// after is the exclusive lower bound for OldestFirst,
	// before the exclusive upper bound for NewestFirst (0 = unbounded).
	after  int64
	before int64
	limit  int
	order  Order
}

// EncodeCursor returns the opaque cursor pointing just past seq.
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seq, 10)))
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (int64, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	s, ok := strings.CutPrefix(string(b), cursorPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	return seq, nil
}

func normalizePageQuery(q PageQuery) (page, error) {
	p := page{limit: q.Limit, order: q.Order}
	switch {
	case p.limit < 0:
		return page{}, fmt.Errorf("%w: negative limit", ErrInvalidArgument)
	case p.limit == 0:
		p.limit = defaultMessagesLimit
	case p.limit > maxMessagesLimit:
		p.limit = maxMessagesLimit
	}
	switch p.order {
	case "":
		p.order = OldestFirst
	case OldestFirst, NewestFirst:
	default:
		return page{}, fmt.Errorf("%w: unknown order %q", ErrInvalidArgument, q.Order)
	}
	if q.Cursor == "" {
		return p, nil
	}
	seq, err := DecodeCursor(q.Cursor)
	if err != nil {
		return page{}, err
	}
	if p.order == OldestFirst {
		p.after = seq
	} else {
		// a zero upper bound would mean unbounded
		if seq <= 1 {
			p.before = -1
		} else {
			p.before = seq
		}
	}
	return p, nil
}

// finish trims the look-ahead row fetched by the stores and sets NextCursor.
func (p page) finish(messages []Message) *MessagePage {
	result := &MessagePage{Messages: messages}
	if len(messages) > p.limit {
		result.Messages = messages[:p.limit]
		result.NextCursor = EncodeCursor(result.Messages[p.limit-1].Seq)
	}
	if result.Messages == nil {
		result.Messages = []Message{}
	}
	return result
}
