package core

import (
	"sync"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room *domain.Room

	mu      sync.RWMutex
	members map[domain.ParticipantID]MemberSession
	closed  bool
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:    room,
		members: make(map[domain.ParticipantID]MemberSession),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *roomImpl) Join(ms MemberSession, announce Frame, live func() bool) (PublishResult, bool, error) {
	p := ms.Meta().Participant
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return PublishResult{}, false, ErrRoomClosed
	}
	if live != nil && !live() {
		return PublishResult{}, false, ErrStaleMember
	}
	_, replaced := r.members[p]
	r.members[p] = ms
	log.Info().
		Str("module", "core.room").
		Str("room", string(r.room.ID)).
		Str("participant", string(p)).
		Str("conn", string(ms.Meta().Conn)).
		Bool("replaced", replaced).
		Msg("member added")
	return r.fanOutLocked(p, announce), replaced, nil
}

func (r *roomImpl) Leave(p domain.ParticipantID, conn domain.ConnID, announce Frame) (PublishResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.members[p]
	if !ok {
		return PublishResult{}, false
	}
	if conn != "" && ms.Meta().Conn != conn {
		// entry belongs to a newer connection of the same participant
		return PublishResult{}, false
	}
	delete(r.members, p)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("participant", string(p)).Msg("member removed")
	return r.fanOutLocked(p, announce), true
}

func (r *roomImpl) SendTo(p domain.ParticipantID, f Frame) (MemberSession, error) {
	r.mu.RLock()
	ms, ok := r.members[p]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrMemberNotFound
	}
	return ms, ms.Signal().TrySend(f)
}

func (r *roomImpl) Has(p domain.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[p]
	return ok
}

func (r *roomImpl) CloseIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 {
		return false
	}
	r.closed = true
	return true
}

// fanOutLocked delivers f to everyone but from. Caller holds r.mu.
func (r *roomImpl) fanOutLocked(from domain.ParticipantID, f Frame) PublishResult {
	res := PublishResult{}
	if f == nil {
		return res
	}
	for p, m := range r.members {
		if p == from {
			continue
		}
		if err := m.Signal().TrySend(f); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("fan-out result")
	return res
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.members))
	for p := range r.members {
		out = append(out, MemberDTO{ID: p})
	}
	return out
}
