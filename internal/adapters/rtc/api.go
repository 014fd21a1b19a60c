package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/logging"
	"github.com/dkeye/meshcall/internal/mesh"
)

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// NewAPI builds a webrtc.API with the default codecs and interceptors and
// pion's logs routed through zerolog.
func NewAPI(pionLevel zerolog.Level) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{
		LoggerFactory: logging.NewPionLogger(log.Logger, pionLevel),
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// Factory creates one pion peer connection per remote participant.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	drain  *Drain
}

func NewFactory(api *webrtc.API, config webrtc.Configuration, drain *Drain) *Factory {
	return &Factory{api: api, config: config, drain: drain}
}

func (f *Factory) NewTransport(remote domain.ParticipantID, ev mesh.TransportEvents) (mesh.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := newConnection(pc, remote, ev, f.drain)
	c.start()
	return c, nil
}
