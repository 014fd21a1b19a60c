package domain

import "strings"

type RoomID string

func (r RoomID) String() string { return string(r) }

func ParseRoomID(raw string) (RoomID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrEmptyRoomID
	}
	if len(id) > MaxRoomIDLen {
		return "", ErrIDTooLong
	}
	return RoomID(id), nil
}

type Room struct {
	ID RoomID `json:"id"`
}
