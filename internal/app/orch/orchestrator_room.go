package orch

import (
	"errors"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Connect registers a freshly accepted connection. A previous connection of
// the same participant is treated as stale and canceled.
func (o *Orchestrator) Connect(sess core.MemberSession, cancel func()) {
	prev, prevCancel := o.Registry.BindSignal(sess, cancel)
	if prev == nil {
		return
	}
	log.Info().
		Str("module", "orch").
		Str("participant", string(sess.Meta().Participant)).
		Str("stale_conn", string(prev.Meta().Conn)).
		Msg("superseding stale connection")
	if prevCancel != nil {
		prevCancel()
	}
	prev.Signal().Close()
}

// Join adds the participant to roomID and announces it to every other member.
// A participant already in another room leaves that room first.
func (o *Orchestrator) Join(p domain.ParticipantID, conn domain.ConnID, roomID domain.RoomID) error {
	sess, ok := o.Registry.GetSession(p)
	if !ok || sess.Meta().Conn != conn {
		return ErrNotConnected
	}
	if current, _, ok := o.Registry.RoomOf(p, conn); ok {
		if current == roomID {
			log.Debug().Str("module", "orch").Str("participant", string(p)).Str("room", string(roomID)).Msg("already in room")
			return nil
		}
		o.Leave(p, conn, current)
		log.Info().Str("module", "orch").Str("participant", string(p)).Str("from_room", string(current)).Msg("left previous room")
	}

	presence := encode(protocol.Presence(p))
	live := func() bool { return o.Registry.IsCurrent(p, conn) }
	for {
		room := o.Rooms.GetOrCreate(roomID)
		res, replaced, err := room.Join(sess, presence, live)
		if errors.Is(err, core.ErrRoomClosed) {
			// lost the race with the last member leaving; take a fresh room
			continue
		}
		if errors.Is(err, core.ErrStaleMember) {
			o.Rooms.RemoveIfEmpty(roomID)
			log.Info().Str("module", "orch").Str("participant", string(p)).Str("conn", string(conn)).Str("room", string(roomID)).Msg("join from superseded connection refused")
			return ErrNotConnected
		}
		if err != nil {
			return err
		}
		o.Registry.UpdateRoom(p, conn, roomID)
		o.Metrics.Joined(replaced)
		o.applyPolicy(roomID, res.Dropped)
		log.Info().Str("module", "orch").Str("participant", string(p)).Str("room", string(roomID)).Int("announced", res.SendTo).Msg("added to room")
		return nil
	}
}

// Leave removes the participant from roomID and announces the departure.
// Unknown rooms or members are ignored.
func (o *Orchestrator) Leave(p domain.ParticipantID, conn domain.ConnID, roomID domain.RoomID) {
	if o.removeFrom(roomID, p, conn, "leave") {
		if current, _, ok := o.Registry.RoomOf(p, conn); ok && current == roomID {
			o.Registry.RemoveRoom(p, conn)
		}
	}
}

// OnDisconnect treats a lost connection as a leave from every room that
// still holds an entry for that connection.
func (o *Orchestrator) OnDisconnect(p domain.ParticipantID, conn domain.ConnID) {
	var rooms []domain.RoomID
	o.Rooms.Range(func(room core.RoomService) {
		if room.Has(p) {
			rooms = append(rooms, room.Room().ID)
		}
	})
	for _, id := range rooms {
		o.removeFrom(id, p, conn, "disconnect")
	}
	o.Registry.Unbind(p, conn)
	log.Info().Str("module", "orch").Str("participant", string(p)).Str("conn", string(conn)).Int("rooms", len(rooms)).Msg("disconnected")
}

func (o *Orchestrator) removeFrom(roomID domain.RoomID, p domain.ParticipantID, conn domain.ConnID, reason string) bool {
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return false
	}
	res, removed := room.Leave(p, conn, encode(protocol.Departure(p)))
	if !removed {
		return false
	}
	o.Metrics.Left(reason)
	o.applyPolicy(roomID, res.Dropped)
	o.Rooms.RemoveIfEmpty(roomID)
	log.Info().Str("module", "orch").Str("participant", string(p)).Str("room", string(roomID)).Str("reason", reason).Int("announced", res.SendTo).Msg("removed from room")
	return true
}
