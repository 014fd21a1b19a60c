package core

import (
	"errors"

	"github.com/dkeye/meshcall/internal/domain"
)

var (
	ErrRoomClosed     = errors.New("room closed")
	ErrMemberNotFound = errors.New("member not found")
	ErrStaleMember    = errors.New("member connection superseded")
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID domain.ParticipantID `json:"id"`
}

// RoomService is the core-facing API of a room.
// Every membership change and its fan-out run inside the room's own
// critical section, so two joins to the same room are linearized.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO

	// Join adds or replaces ms and delivers announce to every other member.
	// Replaced reports whether a stale entry for the same participant existed.
	// live, when set, is checked inside the room's critical section; a false
	// result rejects the join with ErrStaleMember.
	Join(ms MemberSession, announce Frame, live func() bool) (res PublishResult, replaced bool, err error)
	// Leave removes p if its entry belongs to conn (any conn when empty) and
	// delivers announce to the remaining members.
	Leave(p domain.ParticipantID, conn domain.ConnID, announce Frame) (res PublishResult, removed bool)
	// SendTo delivers f to a single member.
	SendTo(p domain.ParticipantID, f Frame) (MemberSession, error)
	Has(p domain.ParticipantID) bool

	// CloseIfEmpty marks an empty room closed; later joins get ErrRoomClosed.
	CloseIfEmpty() bool
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}

type RoomManager interface {
	GetOrCreate(id domain.RoomID) RoomService
	Get(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	// Range calls fn for a snapshot of every room.
	Range(fn func(RoomService))
	// RemoveIfEmpty drops the room from the table once it has no members.
	RemoveIfEmpty(id domain.RoomID) bool
}
