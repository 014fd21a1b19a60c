package mesh

import (
	"encoding/json"
	"time"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
)

// handle dispatches one relay message. Runs on the loop.
func (c *Coordinator) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeError:
		c.logger.Warn().Str("error", msg.Error).Msg("relay reported an error")
		return
	case protocol.TypePong:
		return
	}
	if c.room == "" {
		c.logger.Debug().Str("type", string(msg.Type)).Str("from", string(msg.From)).Msg("not in a room, message ignored")
		return
	}
	if msg.From == "" || msg.From == c.opts.Self {
		c.logger.Debug().Str("type", string(msg.Type)).Msg("message without a usable sender ignored")
		return
	}

	switch msg.Type {
	case protocol.TypePresence:
		c.onPresence(msg.From)
	case protocol.TypeOffer:
		c.onOffer(msg.From, msg.RTCMessage)
	case protocol.TypeAnswer:
		c.onAnswer(msg.From, msg.RTCMessage)
	case protocol.TypeCandidate:
		c.onCandidate(msg.From, msg.RTCMessage)
	case protocol.TypeDeparture:
		c.onDeparture(msg.From)
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("unexpected message ignored")
	}
}

// lookup returns the live session for remote only if it is generation gen.
func (c *Coordinator) lookup(remote domain.ParticipantID, gen uint64) *session {
	s, ok := c.sessions[remote]
	if !ok || s.gen != gen {
		return nil
	}
	return s
}

func (c *Coordinator) newSession(remote domain.ParticipantID, role Role) *session {
	c.nextGen++
	s := &session{remote: remote, gen: c.nextGen, role: role, state: Idle}

	t, err := c.opts.Transports.NewTransport(remote, c.transportEvents(remote, s.gen))
	if err != nil {
		c.logger.Error().Err(err).Str("remote", string(remote)).Msg("create transport")
		s.state = Failed
		c.notify(s, err)
		return nil
	}
	s.transport = t
	c.sessions[remote] = s
	c.logger.Info().Str("remote", string(remote)).Str("role", role.String()).Uint64("gen", s.gen).Msg("session created")
	c.notify(s, nil)
	c.attach(s)
	return s
}

// transportEvents only enqueue: every reaction runs on the loop and is
// checked against the session generation first.
func (c *Coordinator) transportEvents(remote domain.ParticipantID, gen uint64) TransportEvents {
	return TransportEvents{
		OnCandidate: func(cand json.RawMessage) {
			c.enqueue(func() { c.onLocalCandidate(remote, gen, cand) })
		},
		OnFailed: func(err error) {
			c.enqueue(func() {
				if s := c.lookup(remote, gen); s != nil {
					c.fail(s, err)
				}
			})
		},
		OnTrack: func(track Track) {
			c.enqueue(func() {
				if c.lookup(remote, gen) == nil || c.opts.OnRemoteTrack == nil {
					return
				}
				c.opts.OnRemoteTrack(remote, track)
			})
		},
	}
}

func (c *Coordinator) setState(s *session, st State) {
	if s.state == st {
		return
	}
	c.logger.Debug().Str("remote", string(s.remote)).Str("from", s.state.String()).Str("to", st.String()).Msg("session state")
	s.state = st
	c.notify(s, nil)
}

// enterNegotiating starts a negotiation round and its deadline.
func (c *Coordinator) enterNegotiating(s *session) {
	s.negSeq++
	s.stopTimer()
	remote, gen, seq := s.remote, s.gen, s.negSeq
	s.timer = time.AfterFunc(c.opts.NegotiationTimeout, func() {
		c.enqueue(func() { c.onTimeout(remote, gen, seq) })
	})
	c.setState(s, Negotiating)
}

func (c *Coordinator) onTimeout(remote domain.ParticipantID, gen, seq uint64) {
	s := c.lookup(remote, gen)
	if s == nil || s.negSeq != seq || s.state != Negotiating {
		return
	}
	c.fail(s, errNegotiationTimeout)
}

func (c *Coordinator) onPresence(remote domain.ParticipantID) {
	if old, ok := c.sessions[remote]; ok {
		// the remote reconnected; its old transport is gone
		c.closeSession(old, "remote rejoined")
	}
	if s := c.newSession(remote, Initiator); s != nil {
		c.startOffer(s)
	}
}

func (c *Coordinator) startOffer(s *session) {
	s.localOffer = true
	s.busy = true
	c.enterNegotiating(s)

	ctx, t := c.ctx, s.transport
	remote, gen, seq := s.remote, s.gen, s.negSeq
	go func() {
		offer, err := t.CreateOffer(ctx)
		c.enqueue(func() { c.onOfferReady(remote, gen, seq, offer, err) })
	}()
}

func (c *Coordinator) onOfferReady(remote domain.ParticipantID, gen, seq uint64, offer json.RawMessage, err error) {
	s := c.lookup(remote, gen)
	if s == nil || s.negSeq != seq {
		c.logger.Debug().Str("remote", string(remote)).Uint64("gen", gen).Msg("stale offer result dropped")
		return
	}
	s.busy = false
	if err != nil {
		c.fail(s, err)
		return
	}
	if s.pendingOffer != nil {
		// the remote won a renegotiation glare while our offer was produced
		c.yield(s)
		return
	}
	if err := c.send(protocol.Outbound(protocol.TypeOffer, remote, offer)); err != nil {
		c.fail(s, err)
		return
	}
	c.markDescSent(s)
}

func (c *Coordinator) onOffer(remote domain.ParticipantID, offer json.RawMessage) {
	s, ok := c.sessions[remote]
	switch {
	case !ok:
		if s = c.newSession(remote, Responder); s != nil {
			c.answerOffer(s, offer)
		}
	case s.localOffer && c.opts.Self < remote:
		c.logger.Info().Str("remote", string(remote)).Msg("glare: keeping local offer")
		if !s.remoteSet {
			s.glareWon = true
			s.pendingRemote = nil
		}
	case s.localOffer && !s.remoteSet:
		c.logger.Info().Str("remote", string(remote)).Msg("glare: answering remote offer")
		c.closeSession(s, "glare")
		if s = c.newSession(remote, Responder); s != nil {
			c.answerOffer(s, offer)
		}
	case s.localOffer:
		c.logger.Info().Str("remote", string(remote)).Msg("glare: rolling back renegotiation")
		s.pendingOffer = offer
		if !s.busy {
			c.yield(s)
		}
	case s.busy:
		s.pendingOffer = offer
	default:
		c.answerOffer(s, offer)
	}
}

// yield drops our unanswered offer and answers the pending remote one.
func (c *Coordinator) yield(s *session) {
	offer := s.pendingOffer
	s.pendingOffer = nil
	s.localOffer = false
	if err := s.transport.Rollback(); err != nil {
		c.fail(s, err)
		return
	}
	// our tracks still need an offer from this side
	s.renegotiate = true
	c.answerOffer(s, offer)
}

func (c *Coordinator) answerOffer(s *session, offer json.RawMessage) {
	s.busy = true
	c.enterNegotiating(s)

	ctx, t := c.ctx, s.transport
	remote, gen, seq := s.remote, s.gen, s.negSeq
	go func() {
		answer, err := t.AcceptOffer(ctx, offer)
		c.enqueue(func() { c.onAnswerReady(remote, gen, seq, answer, err) })
	}()
}

func (c *Coordinator) onAnswerReady(remote domain.ParticipantID, gen, seq uint64, answer json.RawMessage, err error) {
	s := c.lookup(remote, gen)
	if s == nil || s.negSeq != seq {
		c.logger.Debug().Str("remote", string(remote)).Uint64("gen", gen).Msg("stale answer result dropped")
		return
	}
	s.busy = false
	if err != nil {
		c.fail(s, err)
		return
	}
	s.remoteSet = true
	if err := c.send(protocol.Outbound(protocol.TypeAnswer, remote, answer)); err != nil {
		c.fail(s, err)
		return
	}
	c.markDescSent(s)
	c.flushRemoteCandidates(s)
	c.settle(s)
}

func (c *Coordinator) onAnswer(remote domain.ParticipantID, answer json.RawMessage) {
	s, ok := c.sessions[remote]
	if !ok || !s.localOffer || s.busy {
		c.logger.Debug().Str("remote", string(remote)).Msg("stale answer ignored")
		return
	}
	if err := s.transport.AcceptAnswer(answer); err != nil {
		c.fail(s, err)
		return
	}
	s.localOffer = false
	s.remoteSet = true
	s.glareWon = false
	c.flushRemoteCandidates(s)
	c.settle(s)
}

// settle ends a negotiation round: queued work starts the next round,
// otherwise the session is Stable.
func (c *Coordinator) settle(s *session) {
	switch {
	case s.pendingOffer != nil:
		offer := s.pendingOffer
		s.pendingOffer = nil
		c.answerOffer(s, offer)
	case s.renegotiate:
		s.renegotiate = false
		c.startOffer(s)
	default:
		s.stopTimer()
		c.setState(s, Stable)
	}
}

func (c *Coordinator) onCandidate(remote domain.ParticipantID, cand json.RawMessage) {
	s, ok := c.sessions[remote]
	if !ok {
		c.logger.Debug().Str("remote", string(remote)).Msg("candidate without session dropped")
		return
	}
	if !s.remoteSet {
		if s.glareWon {
			c.logger.Debug().Str("remote", string(remote)).Msg("candidate of abandoned offer dropped")
			return
		}
		s.pendingRemote = append(s.pendingRemote, cand)
		return
	}
	if err := s.transport.AddCandidate(cand); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(remote)).Msg("add candidate")
	}
}

func (c *Coordinator) flushRemoteCandidates(s *session) {
	for _, cand := range s.pendingRemote {
		if err := s.transport.AddCandidate(cand); err != nil {
			c.logger.Warn().Err(err).Str("remote", string(s.remote)).Msg("add queued candidate")
		}
	}
	s.pendingRemote = nil
}

// onLocalCandidate sends a locally gathered candidate. Candidates produced
// before our first description went out wait so the remote never sees a
// candidate for a session it does not know.
func (c *Coordinator) onLocalCandidate(remote domain.ParticipantID, gen uint64, cand json.RawMessage) {
	s := c.lookup(remote, gen)
	if s == nil {
		return
	}
	if !s.descSent {
		s.pendingLocal = append(s.pendingLocal, cand)
		return
	}
	_ = c.send(protocol.Outbound(protocol.TypeCandidate, remote, cand))
}

func (c *Coordinator) markDescSent(s *session) {
	s.descSent = true
	for _, cand := range s.pendingLocal {
		_ = c.send(protocol.Outbound(protocol.TypeCandidate, s.remote, cand))
	}
	s.pendingLocal = nil
}

func (c *Coordinator) onDeparture(remote domain.ParticipantID) {
	s, ok := c.sessions[remote]
	if !ok {
		c.logger.Debug().Str("remote", string(remote)).Msg("departure for unknown session")
		return
	}
	c.closeSession(s, "departed")
}

// closeSession releases the transport and forgets the session. A later
// message for the same remote starts from Idle.
func (c *Coordinator) closeSession(s *session, reason string) {
	c.dispose(s)
	c.logger.Info().Str("remote", string(s.remote)).Uint64("gen", s.gen).Str("reason", reason).Msg("session closed")
	c.setState(s, Closed)
}

func (c *Coordinator) fail(s *session, err error) {
	c.dispose(s)
	c.logger.Warn().Err(err).Str("remote", string(s.remote)).Uint64("gen", s.gen).Msg("session failed")
	s.state = Failed
	c.notify(s, err)
}

func (c *Coordinator) dispose(s *session) {
	s.stopTimer()
	if cur, ok := c.sessions[s.remote]; ok && cur == s {
		delete(c.sessions, s.remote)
	}
	if err := s.transport.Close(); err != nil {
		c.logger.Debug().Err(err).Str("remote", string(s.remote)).Msg("close transport")
	}
	s.mediaAttached = false
}

func (c *Coordinator) closeAll(reason string) {
	for _, s := range c.sessions {
		c.closeSession(s, reason)
	}
}
