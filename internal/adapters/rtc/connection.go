package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/mesh"
)

var (
	ErrPeerFailed    = errors.New("peer connection failed")
	ErrNotLocalTrack = errors.New("track cannot be sent")
)

// WebRTCConnection is the pion peer connection toward one remote participant.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	ev     mesh.TransportEvents
	drain  *Drain
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	failOnce sync.Once
}

func newConnection(pc *webrtc.PeerConnection, remote domain.ParticipantID, ev mesh.TransportEvents, drain *Drain) *WebRTCConnection {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebRTCConnection{
		pc:     pc,
		remote: remote,
		ev:     ev,
		drain:  drain,
		logger: log.With().Str("module", "rtc").Str("remote", string(remote)).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *WebRTCConnection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			c.failOnce.Do(func() {
				if c.ev.OnFailed != nil {
					c.ev.OnFailed(ErrPeerFailed)
				}
			})
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.ev.OnCandidate == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			c.logger.Error().Err(err).Msg("marshal candidate")
			return
		}
		c.ev.OnCandidate(b)
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.drain != nil {
			c.drain.Start(c.ctx, c.remote, track)
		}
		if c.ev.OnTrack != nil {
			c.ev.OnTrack(track)
		}
	})
}

// AddTracks sends every local track to the remote. RTCP from each sender is
// read and discarded so the interceptors keep working.
func (c *WebRTCConnection) AddTracks(tracks []mesh.Track) error {
	for _, t := range tracks {
		local, ok := t.(webrtc.TrackLocal)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotLocalTrack, t.ID())
		}
		sender, err := c.pc.AddTrack(local)
		if err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// ensureReceivers lets an offer without local tracks still ask for the
// remote's audio and video.
func (c *WebRTCConnection) ensureReceivers() error {
	if len(c.pc.GetTransceivers()) > 0 {
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return err
		}
	}
	return nil
}

func (c *WebRTCConnection) CreateOffer(context.Context) (json.RawMessage, error) {
	if err := c.ensureReceivers(); err != nil {
		return nil, fmt.Errorf("add transceivers: %w", err)
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (c *WebRTCConnection) AcceptOffer(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return json.Marshal(answer)
}

func (c *WebRTCConnection) AcceptAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) AddCandidate(raw json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) Rollback() error {
	pending := c.pc.PendingLocalDescription()
	if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer || pending == nil {
		return nil
	}
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP})
}

func (c *WebRTCConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *WebRTCConnection) Close() error {
	c.cancel()
	if c.drain != nil {
		c.drain.Forget(c.remote)
	}
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
