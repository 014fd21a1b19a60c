package mesh

import (
	"encoding/json"
	"time"

	"github.com/dkeye/meshcall/internal/domain"
)

type State int

const (
	Idle State = iota
	Negotiating
	Stable
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Stable:
		return "stable"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type Role int

const (
	Initiator Role = iota + 1
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	}
	return "unknown"
}

// SessionEvent is reported to the observer on every state change.
type SessionEvent struct {
	Remote     domain.ParticipantID
	Generation uint64
	Role       Role
	State      State
	Err        error
}

// SessionInfo is a point-in-time copy of one peer session.
type SessionInfo struct {
	Remote        domain.ParticipantID
	Generation    uint64
	Role          Role
	State         State
	MediaAttached bool
}

// session is owned by the coordinator loop; nothing else touches it.
type session struct {
	remote    domain.ParticipantID
	gen       uint64
	role      Role
	state     State
	transport PeerTransport

	mediaAttached bool
	// localOffer is set while our offer waits for an answer.
	localOffer bool
	// busy is set while an offer or answer is being produced off-loop.
	busy bool
	// remoteSet is set once a remote description has been applied.
	remoteSet bool
	// descSent is set once our first offer or answer went out.
	descSent bool
	// glareWon is set when we kept our offer over the remote's. Until the
	// answer arrives, remote candidates belong to its abandoned attempt.
	glareWon bool

	pendingRemote []json.RawMessage
	pendingLocal  []json.RawMessage
	pendingOffer  json.RawMessage
	renegotiate   bool

	negSeq uint64
	timer  *time.Timer
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		Remote:        s.remote,
		Generation:    s.gen,
		Role:          s.role,
		State:         s.state,
		MediaAttached: s.mediaAttached,
	}
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
