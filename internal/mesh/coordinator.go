// Package mesh runs the client side of a full-mesh call: one peer session per
// remote participant, driven by a single event loop.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
)

var (
	ErrNotJoined          = errors.New("not joined to a room")
	ErrMediaUnavailable   = errors.New("local media unavailable")
	ErrClosed             = errors.New("coordinator closed")
	errNegotiationTimeout = errors.New("negotiation timed out")
)

const (
	defaultNegotiationTimeout = 15 * time.Second
	eventQueueSize            = 256
)

type Options struct {
	Self       domain.ParticipantID
	Sender     Sender
	Transports TransportFactory
	// Media may be nil for a receive-only participant.
	Media MediaSource
	// LazyMedia makes Join skip acquisition; the caller runs AcquireMedia
	// whenever local capture is ready, possibly after sessions exist.
	LazyMedia          bool
	NegotiationTimeout time.Duration

	// Observer and OnRemoteTrack run on the event loop and must not block.
	Observer      func(SessionEvent)
	OnRemoteTrack func(remote domain.ParticipantID, track Track)
}

// Coordinator owns every peer session of one local participant. All state
// lives on the goroutine running Run; the exported methods post work to it.
type Coordinator struct {
	opts   Options
	logger zerolog.Logger

	events chan func()
	done   chan struct{}

	// serializes AcquireMedia callers
	acquireMu sync.Mutex

	// loop-owned
	ctx      context.Context
	room     domain.RoomID
	sessions map[domain.ParticipantID]*session
	media    MediaHandle
	nextGen  uint64
}

func New(opts Options) (*Coordinator, error) {
	if _, err := domain.ParseParticipantID(string(opts.Self)); err != nil {
		return nil, fmt.Errorf("self: %w", err)
	}
	if opts.Sender == nil || opts.Transports == nil {
		return nil, errors.New("mesh: sender and transport factory are required")
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = defaultNegotiationTimeout
	}
	return &Coordinator{
		opts:     opts,
		logger:   log.With().Str("module", "mesh").Str("participant", string(opts.Self)).Logger(),
		events:   make(chan func(), eventQueueSize),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		sessions: make(map[domain.ParticipantID]*session),
	}, nil
}

// Run processes events until ctx is done, then closes every session and
// releases local media.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer func() {
		c.closeAll("shutdown")
		c.releaseMedia()
		c.room = ""
		close(c.done)
		c.logger.Info().Msg("coordinator stopped")
	}()
	c.logger.Info().Msg("coordinator started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.events:
			fn()
		}
	}
}

func (c *Coordinator) post(ctx context.Context, fn func()) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.events <- fn:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue is used by transport callbacks and off-loop work.
func (c *Coordinator) enqueue(fn func()) {
	_ = c.post(context.Background(), fn)
}

// call runs fn on the loop and waits for its result.
func (c *Coordinator) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if err := c.post(ctx, func() { errc <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	}
}

// Join acquires local media (unless LazyMedia) and joins room. Joining while
// in another room drops every session of the old room first.
func (c *Coordinator) Join(ctx context.Context, room domain.RoomID) error {
	room, err := domain.ParseRoomID(string(room))
	if err != nil {
		return err
	}
	if c.opts.Media != nil && !c.opts.LazyMedia {
		if _, err := c.AcquireMedia(ctx); err != nil {
			return err
		}
	}
	return c.call(ctx, func() error {
		if c.room == room {
			return nil
		}
		if c.room != "" {
			c.logger.Info().Str("from_room", string(c.room)).Str("room", string(room)).Msg("switching rooms")
			c.closeAll("room change")
			c.room = ""
		}
		// the relay never saw a join that was not sent
		if err := c.send(protocol.Join(room)); err != nil {
			return err
		}
		c.room = room
		c.logger.Info().Str("room", string(room)).Msg("joining")
		return nil
	})
}

// Leave closes every session and releases local media before the leave
// message is sent.
func (c *Coordinator) Leave(ctx context.Context) error {
	return c.call(ctx, func() error {
		if c.room == "" {
			return ErrNotJoined
		}
		room := c.room
		c.closeAll("leave")
		c.releaseMedia()
		c.room = ""
		c.logger.Info().Str("room", string(room)).Msg("left")
		return c.send(protocol.Leave(room))
	})
}

// ConnectionLost drops all room state after the relay connection ended. No
// leave message is sent: the relay already treats the loss as a leave.
func (c *Coordinator) ConnectionLost() {
	c.enqueue(func() {
		if c.room == "" {
			return
		}
		c.logger.Warn().Str("room", string(c.room)).Msg("relay connection lost")
		c.closeAll("relay lost")
		c.releaseMedia()
		c.room = ""
	})
}

// Deliver hands an inbound relay message to the loop.
func (c *Coordinator) Deliver(ctx context.Context, msg protocol.Message) error {
	return c.post(ctx, func() { c.handle(msg) })
}

// Sessions returns a snapshot ordered by remote id.
func (c *Coordinator) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := c.call(ctx, func() error {
		out = make([]SessionInfo, 0, len(c.sessions))
		for _, s := range c.sessions {
			out = append(out, s.info())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out, err
}

// Room reports the joined room, empty when not joined.
func (c *Coordinator) Room(ctx context.Context) (domain.RoomID, error) {
	var room domain.RoomID
	err := c.call(ctx, func() error {
		room = c.room
		return nil
	})
	return room, err
}

func (c *Coordinator) send(msg protocol.Message) error {
	if err := c.opts.Sender.Send(msg); err != nil {
		c.logger.Warn().Err(err).Str("type", string(msg.Type)).Str("to", string(msg.To)).Msg("send failed")
		return err
	}
	return nil
}

func (c *Coordinator) notify(s *session, err error) {
	if c.opts.Observer == nil {
		return
	}
	c.opts.Observer(SessionEvent{
		Remote:     s.remote,
		Generation: s.gen,
		Role:       s.role,
		State:      s.state,
		Err:        err,
	})
}
