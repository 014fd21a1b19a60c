package rtc

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/domain"
)

// RTPSource is the part of a remote track the drain reads from.
type RTPSource interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type trackStats struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
	lastSeq atomic.Uint32
}

// TrackStats is a point-in-time view of one received track.
type TrackStats struct {
	Remote  domain.ParticipantID
	TrackID string
	Packets uint64
	Bytes   uint64
	LastSeq uint16
}

// Drain consumes every received track so the receive buffers never fill, and
// counts what arrived. Playback is out of scope for the headless client.
type Drain struct {
	mu     sync.RWMutex
	tracks map[domain.ParticipantID]map[string]*trackStats
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func NewDrain() *Drain {
	return &Drain{
		tracks: make(map[domain.ParticipantID]map[string]*trackStats),
		logger: log.With().Str("module", "drain").Logger(),
	}
}

// Start reads src until it ends or ctx is done.
func (d *Drain) Start(ctx context.Context, remote domain.ParticipantID, src RTPSource) {
	st := &trackStats{}
	d.mu.Lock()
	if d.tracks[remote] == nil {
		d.tracks[remote] = make(map[string]*trackStats)
	}
	d.tracks[remote][src.ID()] = st
	d.mu.Unlock()

	logger := d.logger.With().Str("remote", string(remote)).Str("track_id", src.ID()).Logger()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(ctx, src, st, &logger)
	}()
}

func (d *Drain) loop(ctx context.Context, src RTPSource, st *trackStats, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("drain ctx done")
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug().Msg("track ended")
			} else {
				logger.Warn().Err(err).Msg("read RTP error, stopping")
			}
			return
		}
		st.packets.Add(1)
		st.bytes.Add(uint64(len(pkt.Payload)))
		st.lastSeq.Store(uint32(pkt.SequenceNumber))
	}
}

// Forget drops the counters of remote. Running loops end with their track.
func (d *Drain) Forget(remote domain.ParticipantID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tracks, remote)
}

// Snapshot returns the counters ordered by remote and track id.
func (d *Drain) Snapshot() []TrackStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []TrackStats
	for remote, byTrack := range d.tracks {
		for id, st := range byTrack {
			out = append(out, TrackStats{
				Remote:  remote,
				TrackID: id,
				Packets: st.packets.Load(),
				Bytes:   st.bytes.Load(),
				LastSeq: uint16(st.lastSeq.Load()),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Remote != out[j].Remote {
			return out[i].Remote < out[j].Remote
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

// Wait blocks until every loop has returned.
func (d *Drain) Wait() {
	d.wg.Wait()
}
