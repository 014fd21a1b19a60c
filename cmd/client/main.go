package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/meshcall/internal/adapters/rtc"
	"github.com/dkeye/meshcall/internal/adapters/signalclient"
	"github.com/dkeye/meshcall/internal/config"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/logging"
	"github.com/dkeye/meshcall/internal/mesh"
)

var errRelayClosed = errors.New("relay closed the connection")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logging.Setup("debug", "info")
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.Mode, cfg.LogLevel)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("client stopped")
		os.Exit(1)
	}
	log.Info().Msg("Client exited gracefully")
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	if cfg.ParticipantID == "" {
		cfg.ParticipantID = uuid.NewString()
	}
	self, err := domain.ParseParticipantID(cfg.ParticipantID)
	if err != nil {
		return err
	}
	room, err := domain.ParseRoomID(cfg.Room)
	if err != nil {
		return err
	}
	pionLevel, err := zerolog.ParseLevel(cfg.PionLogLevel)
	if err != nil || cfg.PionLogLevel == "" {
		pionLevel = zerolog.WarnLevel
	}

	api, err := rtc.NewAPI(pionLevel)
	if err != nil {
		return err
	}
	drain := rtc.NewDrain()
	factory := rtc.NewFactory(api, rtc.DefaultWebRTCConfig(cfg.ICEServers), drain)

	relay, err := signalclient.Dial(ctx, cfg.RelayURL, self, signalclient.Options{})
	if err != nil {
		return err
	}

	coord, err := mesh.New(mesh.Options{
		Self:               self,
		Sender:             relay,
		Transports:         factory,
		Media:              rtc.LocalMedia{Silence: cfg.Silence},
		LazyMedia:          cfg.LazyMedia,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Observer: func(e mesh.SessionEvent) {
			ev := log.Info()
			if e.Err != nil {
				ev = log.Warn().Err(e.Err)
			}
			ev.Str("module", "client").
				Str("remote", string(e.Remote)).
				Str("role", e.Role.String()).
				Str("state", e.State.String()).
				Uint64("gen", e.Generation).
				Msg("session")
		},
		OnRemoteTrack: func(remote domain.ParticipantID, track mesh.Track) {
			log.Info().Str("module", "client").Str("remote", string(remote)).Str("track_id", track.ID()).Msg("remote track")
		},
	})
	if err != nil {
		return err
	}

	coordCtx, stopCoord := context.WithCancel(context.Background())
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		_ = coord.Run(coordCtx)
	}()
	defer func() {
		stopCoord()
		<-coordDone
		drain.Wait()
	}()

	// the relay connection outlives ctx long enough to carry the leave
	connCtx, closeConn := context.WithCancel(context.Background())
	defer closeConn()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer coord.ConnectionLost()
		err := relay.Run(connCtx, coord.Deliver)
		if ctx.Err() != nil || connCtx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errRelayClosed
		}
		return err
	})
	g.Go(func() error {
		defer closeConn()
		if err := coord.Join(gctx, room); err != nil {
			return err
		}
		log.Info().Str("module", "client").Str("participant", string(self)).Str("room", string(room)).Msg("joined")
		if cfg.LazyMedia {
			// sessions opened meanwhile get the tracks and renegotiate
			if _, err := coord.AcquireMedia(gctx); err != nil {
				log.Warn().Err(err).Str("module", "client").Msg("local media unavailable, receiving only")
			}
		}

		var tick <-chan time.Time
		if cfg.StatsInterval > 0 {
			t := time.NewTicker(cfg.StatsInterval)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-gctx.Done():
				leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := coord.Leave(leaveCtx); err != nil && !errors.Is(err, mesh.ErrNotJoined) {
					log.Warn().Err(err).Str("module", "client").Msg("leave")
				}
				return nil
			case <-tick:
				logStats(gctx, coord, drain)
			}
		}
	})
	return g.Wait()
}

func logStats(ctx context.Context, coord *mesh.Coordinator, drain *rtc.Drain) {
	sessions, err := coord.Sessions(ctx)
	if err != nil {
		return
	}
	for _, s := range sessions {
		log.Info().Str("module", "client").Str("remote", string(s.Remote)).Str("state", s.State.String()).Msg("session stats")
	}
	for _, st := range drain.Snapshot() {
		log.Info().
			Str("module", "client").
			Str("remote", string(st.Remote)).
			Str("track_id", st.TrackID).
			Uint64("packets", st.Packets).
			Uint64("bytes", st.Bytes).
			Msg("track stats")
	}
}
