package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/mesh"
)

const opusFrame = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// LocalMedia provides an Opus audio track and a VP8 video track. With
// Silence set the audio track carries comfort silence so remotes see RTP
// flowing; the video track stays idle until something writes to it.
type LocalMedia struct {
	Silence bool
}

func (m LocalMedia) Acquire(ctx context.Context) (mesh.MediaHandle, error) {
	stream := "mesh-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}

	fctx, cancel := context.WithCancel(context.Background())
	h := &LocalHandle{audio: audio, video: video, cancel: cancel}
	if m.Silence {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			feedSilence(fctx, audio)
		}()
	}
	log.Info().Str("module", "media").Str("stream_id", stream).Bool("silence", m.Silence).Msg("local media acquired")
	return h, nil
}

// LocalHandle is live local media. Stop ends the feeder; tracks already
// added to peer connections stay attached until those close.
type LocalHandle struct {
	audio  *webrtc.TrackLocalStaticSample
	video  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (h *LocalHandle) Tracks() []mesh.Track {
	return []mesh.Track{h.audio, h.video}
}

// Video is the track a capture pipeline writes VP8 frames into.
func (h *LocalHandle) Video() *webrtc.TrackLocalStaticSample {
	return h.video
}

func (h *LocalHandle) Stop() {
	h.once.Do(func() {
		h.cancel()
		h.wg.Wait()
		log.Info().Str("module", "media").Msg("local media stopped")
	})
}

func feedSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
				log.Debug().Str("module", "media").Err(err).Msg("write silence")
			}
		}
	}
}
