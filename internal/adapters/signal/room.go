package signal

import (
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(m *domain.Member, conn *WsSignalConn, msg protocol.Message) {
	roomID, err := domain.ParseRoomID(string(msg.RoomID))
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("participant", string(m.Participant)).Msg("bad room id")
		ctl.sendError(conn, "bad_room")
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(m.Participant) {
		log.Warn().Str("module", "signal").Str("participant", string(m.Participant)).Str("room", string(roomID)).Msg("join rate limited")
		ctl.sendError(conn, "rate_limited")
		return
	}

	log.Info().Str("module", "signal").Str("participant", string(m.Participant)).Str("room", string(roomID)).Msg("join")
	if err := ctl.Orch.Join(m.Participant, m.Conn, roomID); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("participant", string(m.Participant)).Msg("join failed")
		ctl.sendError(conn, "join_failed")
	}
}

// handleLeave leaves the room; the connection stays open.
func (ctl *SignalWSController) handleLeave(m *domain.Member, msg protocol.Message) {
	log.Info().Str("module", "signal").Str("participant", string(m.Participant)).Str("room", string(msg.RoomID)).Msg("leave")
	ctl.Orch.Leave(m.Participant, m.Conn, msg.RoomID)
}
