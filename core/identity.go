package core

import (
	"strings"
)

// RoomIDSeparator joins the two participants of a room id.
// Participant identifiers containing it are rejected.
const RoomIDSeparator = ":"

// CanonicalRoomID derives the id of the room between a and b.
// The result does not depend on the order of the arguments.
func CanonicalRoomID(a, b string) (string, error) {
	pair, err := canonicalPair(a, b)
	if err != nil {
		return "", err
	}
	return pair[0] + RoomIDSeparator + pair[1], nil
}

// ParseRoomID splits a canonical room id back into its sorted participant pair.
func ParseRoomID(roomID string) ([2]string, error) {
	a, b, ok := strings.Cut(roomID, RoomIDSeparator)
	if !ok {
		return [2]string{}, ErrNotFound
	}
	pair, err := canonicalPair(a, b)
	if err != nil || pair[0] != a {
		return [2]string{}, ErrNotFound
	}
	return pair, nil
}

func canonicalPair(a, b string) ([2]string, error) {
	if err := validateParticipant(a); err != nil {
		return [2]string{}, err
	}
	if err := validateParticipant(b); err != nil {
		return [2]string{}, err
	}
	switch strings.Compare(a, b) {
	case 0:
		return [2]string{}, ErrInvalidParticipant
	case 1:
		a, b = b, a
	}
	return [2]string{a, b}, nil
}

func validateParticipant(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidParticipant
	}
	if strings.Contains(id, RoomIDSeparator) {
		return ErrInvalidParticipant
	}
	return nil
}
