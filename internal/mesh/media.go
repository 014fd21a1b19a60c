package mesh

import (
	"context"
	"fmt"
)

// AcquireMedia makes local media live and returns its handle. While a handle
// is live it is returned as is. A new handle is attached to every open
// session; sessions created later attach it on creation.
func (c *Coordinator) AcquireMedia(ctx context.Context) (MediaHandle, error) {
	if c.opts.Media == nil {
		return nil, ErrMediaUnavailable
	}
	c.acquireMu.Lock()
	defer c.acquireMu.Unlock()

	var live MediaHandle
	if err := c.call(ctx, func() error {
		live = c.media
		return nil
	}); err != nil {
		return nil, err
	}
	if live != nil {
		return live, nil
	}

	h, err := c.opts.Media.Acquire(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("acquire media")
		return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	if err := c.call(ctx, func() error {
		if c.media != nil {
			live = c.media
			return nil
		}
		c.media, live = h, h
		c.logger.Info().Int("tracks", len(h.Tracks())).Int("sessions", len(c.sessions)).Msg("local media live")
		c.attachAll()
		return nil
	}); err != nil {
		h.Stop()
		return nil, err
	}
	if live != h {
		h.Stop()
	}
	return live, nil
}

// releaseMedia stops local media. Callers close every session first.
func (c *Coordinator) releaseMedia() {
	if c.media == nil {
		return
	}
	c.media.Stop()
	c.media = nil
	c.logger.Info().Msg("local media released")
}

// attach adds the live tracks to s once.
func (c *Coordinator) attach(s *session) bool {
	if c.media == nil || s.mediaAttached {
		return false
	}
	if err := s.transport.AddTracks(c.media.Tracks()); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(s.remote)).Msg("attach tracks")
		return false
	}
	s.mediaAttached = true
	return true
}

// attachAll runs when media becomes live. Sessions past their first offer
// need another round so the remote learns about the tracks.
func (c *Coordinator) attachAll() {
	for _, s := range c.sessions {
		if !c.attach(s) {
			continue
		}
		if s.state == Stable && !s.busy && !s.localOffer {
			c.startOffer(s)
			continue
		}
		s.renegotiate = true
	}
}
