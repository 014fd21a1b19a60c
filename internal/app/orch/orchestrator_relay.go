package orch

import (
	"errors"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Relay forwards an offer, answer or candidate to msg.To inside the sender's
// current room. Misses are dropped: the sender is never told.
func (o *Orchestrator) Relay(p domain.ParticipantID, conn domain.ConnID, msg protocol.Message) {
	kind := string(msg.Type)
	logger := log.With().Str("module", "orch.relay").Str("kind", kind).Str("from", string(p)).Str("to", string(msg.To)).Logger()

	if !msg.Type.IsRelayed() {
		logger.Warn().Msg("not a routed message")
		return
	}
	if msg.To == "" || msg.To == p {
		logger.Debug().Msg("invalid recipient, dropped")
		o.Metrics.Dropped(kind, "invalid_recipient")
		return
	}
	roomID, _, ok := o.Registry.RoomOf(p, conn)
	if !ok {
		logger.Debug().Msg("sender not in a room, dropped")
		o.Metrics.Dropped(kind, "no_room")
		return
	}
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		o.Metrics.Dropped(kind, "no_room")
		return
	}

	target, err := room.SendTo(msg.To, encode(protocol.Forwarded(msg, p)))
	switch {
	case errors.Is(err, core.ErrMemberNotFound):
		logger.Debug().Str("room", string(roomID)).Msg("recipient not in room, dropped")
		o.Metrics.Dropped(kind, "not_found")
	case err != nil:
		logger.Warn().Err(err).Str("room", string(roomID)).Msg("recipient queue rejected frame")
		o.Metrics.Dropped(kind, "backpressure")
		o.applyPolicy(roomID, []core.MemberSession{target})
	default:
		o.Metrics.Forwarded(kind)
	}
}
