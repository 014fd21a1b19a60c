package signal

import (
	"context"
	"time"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// readPump owns the connection lifetime: when it returns the participant is
// removed from every room it still occupies through this connection.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, m *domain.Member, c *WsSignalConn) {
	logger := log.With().Str("module", "signal").Str("participant", string(m.Participant)).Str("conn", string(m.Conn)).Logger()
	defer func() {
		logger.Info().Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Orch.OnDisconnect(m.Participant, m.Conn)
		if _, live := ctl.Orch.Registry.GetSession(m.Participant); !live && ctl.Limiter != nil {
			ctl.Limiter.Forget(m.Participant)
		}
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
		ctl.handleSignal(m, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(m *domain.Member, c *WsSignalConn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("participant", string(m.Participant)).Msg("bad message")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch msg.Type {
	case protocol.TypeJoinRoom:
		ctl.handleJoin(m, c, msg)
	case protocol.TypeLeaveRoom:
		ctl.handleLeave(m, msg)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate:
		ctl.Orch.Relay(m.Participant, m.Conn, msg)
	case protocol.TypePing:
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Msg("unexpected signal from client")
		ctl.sendError(c, "unsupported_type")
	}
}

func (ctl *SignalWSController) send(c *WsSignalConn, m protocol.Message) {
	b, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	_ = c.TrySend(b)
}
