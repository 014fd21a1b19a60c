package app

import (
	"context"
	"sync"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Room    domain.RoomID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry maps each participant to its live relay connection and the room
// that connection currently belongs to. A participant has at most one live
// connection; binding a new one supersedes the old.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ParticipantID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.ParticipantID]*sessionEntry),
	}
}

// BindSignal registers sess for its participant and returns the session it
// replaced, if any, together with that session's cancel func.
func (r *Registry) BindSignal(sess core.MemberSession, cancel context.CancelFunc) (core.MemberSession, context.CancelFunc) {
	p := sess.Meta().Participant
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		prev       core.MemberSession
		prevCancel context.CancelFunc
	)
	if old, ok := r.sessions[p]; ok {
		prev, prevCancel = old.Session, old.Cancel
	}
	r.sessions[p] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("participant", string(p)).Str("conn", string(sess.Meta().Conn)).Bool("replaced", prev != nil).Msg("bound signal")
	return prev, prevCancel
}

func (r *Registry) GetSession(p domain.ParticipantID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[p]; ok {
		return e.Session, true
	}
	return nil, false
}

// IsCurrent reports whether conn is still p's live connection.
func (r *Registry) IsCurrent(p domain.ParticipantID, conn domain.ConnID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.current(p, conn)
	return ok
}

// current returns the entry of p only if it belongs to conn. Caller holds r.mu.
func (r *Registry) current(p domain.ParticipantID, conn domain.ConnID) (*sessionEntry, bool) {
	e, ok := r.sessions[p]
	if !ok || e.Session.Meta().Conn != conn {
		return nil, false
	}
	return e, true
}

// Unbind drops p's binding if it still belongs to conn.
func (r *Registry) Unbind(p domain.ParticipantID, conn domain.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current(p, conn); !ok {
		return false
	}
	delete(r.sessions, p)
	log.Info().Str("module", "app.registry").Str("participant", string(p)).Str("conn", string(conn)).Msg("unbind session")
	return true
}

func (r *Registry) RoomOf(p domain.ParticipantID, conn domain.ConnID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.current(p, conn)
	if !ok || e.Room == "" {
		return "", nil, false
	}
	return e.Room, e.Session, true
}

func (r *Registry) UpdateRoom(p domain.ParticipantID, conn domain.ConnID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.current(p, conn)
	if !ok {
		return false
	}
	e.Room = room
	log.Info().Str("module", "app.registry").Str("participant", string(p)).Str("room", string(room)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(p domain.ParticipantID, conn domain.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.current(p, conn)
	if !ok {
		return false
	}
	e.Room = ""
	log.Info().Str("module", "app.registry").Str("participant", string(p)).Msg("removed room association")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CancelAll cancels every bound connection; used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.Cancel != nil {
			cancels = append(cancels, e.Cancel)
		}
	}
	r.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
	log.Info().Str("module", "app.registry").Int("count", len(cancels)).Msg("canceled sessions")
}
