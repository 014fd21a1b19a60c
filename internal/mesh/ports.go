package mesh

import (
	"context"
	"encoding/json"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
)

// Track is a local or remote media track. pion's TrackLocal and TrackRemote
// both satisfy it.
type Track interface {
	ID() string
	StreamID() string
}

// MediaHandle is a live set of local tracks.
type MediaHandle interface {
	Tracks() []Track
	// Stop ends every track. The handle must not be used afterwards.
	Stop()
}

// MediaSource acquires local capture. Acquire may block on devices.
type MediaSource interface {
	Acquire(ctx context.Context) (MediaHandle, error)
}

// TransportEvents are invoked by the transport from its own goroutines.
type TransportEvents struct {
	OnCandidate func(candidate json.RawMessage)
	OnFailed    func(err error)
	OnTrack     func(track Track)
}

// PeerTransport is the media connection to one remote participant. Offers,
// answers and candidates are opaque JSON payloads.
type PeerTransport interface {
	AddTracks(tracks []Track) error
	// CreateOffer produces an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	// Rollback discards a local offer that was not answered.
	Rollback() error
	Close() error
}

type TransportFactory interface {
	NewTransport(remote domain.ParticipantID, ev TransportEvents) (PeerTransport, error)
}

// Sender delivers a message to the relay without blocking.
type Sender interface {
	Send(msg protocol.Message) error
}
