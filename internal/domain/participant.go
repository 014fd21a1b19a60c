// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxParticipantIDLen = 64
	MaxRoomIDLen        = 64
)

var (
	ErrEmptyParticipantID = errors.New("participant id empty")
	ErrEmptyRoomID        = errors.New("room id empty")
	ErrIDTooLong          = errors.New("id too long")
)

// ParticipantID is the caller-supplied identity of one connection.
type ParticipantID string

func (p ParticipantID) String() string { return string(p) }

// ParseParticipantID trims and validates an externally supplied id.
func ParseParticipantID(raw string) (ParticipantID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrEmptyParticipantID
	}
	if len(id) > MaxParticipantIDLen {
		return "", ErrIDTooLong
	}
	return ParticipantID(id), nil
}
