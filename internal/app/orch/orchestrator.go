package orch

import (
	"errors"

	"github.com/dkeye/meshcall/internal/app"
	"github.com/dkeye/meshcall/internal/app/metrics"
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("participant has no live connection")

// Orchestrator is the presence and relay service. One instance owns one room
// table; independent instances never share state.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Metrics  *metrics.Relay
}

// New wires an orchestrator with fresh state.
func New(policy app.Policy, m *metrics.Relay) *Orchestrator {
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   policy,
		Metrics:  m,
	}
}

func encode(m protocol.Message) core.Frame {
	b, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(m.Type)).Msg("encode")
		return nil
	}
	return b
}

// applyPolicy runs the backpressure policy for every member whose queue
// rejected a frame.
func (o *Orchestrator) applyPolicy(room domain.RoomID, dropped []core.MemberSession) {
	if o.Policy == nil {
		return
	}
	for _, slow := range dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("room", string(room)).Str("participant", string(slow.Meta().Participant)).Msg("kicking slow member")
			// closing the transport ends its read loop, which runs OnDisconnect
			slow.Signal().Close()
		case app.DropFrame, app.NoAction:
		}
	}
}

// Close cancels every live connection.
func (o *Orchestrator) Close() {
	o.Registry.CancelAll()
}
