package http

import (
	"context"
	"net/http"
	"sort"

	"github.com/dkeye/meshcall/internal/adapters/signal"
	"github.com/dkeye/meshcall/internal/app/orch"
	"github.com/dkeye/meshcall/internal/config"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	sessionName    = "meshcall"
	identityKey    = "participant_id"
	participantKey = "participant"
	callerIDQuery  = "callerId"
)

type identityRequest struct {
	ID string `json:"id"`
}

type identityResponse struct {
	ID domain.ParticipantID `json:"id"`
}

// IdentityMiddleware resolves the caller's participant id from the callerId
// query parameter, falling back to the identity cookie. Invalid ids abort
// with 400; a missing id is left for the handler to decide.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, fromQuery := c.GetQuery(callerIDQuery)
		if !fromQuery {
			if v, ok := sessions.Default(c).Get(identityKey).(string); ok {
				raw = v
			}
		}
		if raw == "" && !fromQuery {
			c.Next()
			return
		}
		p, err := domain.ParseParticipantID(raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Bool("query", fromQuery).Msg("invalid caller id")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Set(participantKey, p)
		c.Next()
	}
}

func participantFrom(c *gin.Context) (domain.ParticipantID, bool) {
	v, ok := c.Get(participantKey)
	if !ok {
		return "", false
	}
	p, ok := v.(domain.ParticipantID)
	return p, ok
}

// SetupRouter wires the relay endpoints. reg may be nil when metrics are off.
func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, reg *prometheus.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))

	limiter := signal.NewRoomRateLimiter(cfg.JoinRate.Limit, cfg.JoinRate.Interval)
	ctrl := signal.NewSignalWSController(o, limiter, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": o.Registry.Count(),
			"rooms":       len(o.Rooms.List()),
		})
	})
	if cfg.Metrics && reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.Use(IdentityMiddleware())

	api.GET("/ws/signal", func(c *gin.Context) {
		p, ok := participantFrom(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing participant id"})
			return
		}
		log.Info().Str("module", "adapters.http").Str("participant", string(p)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c, p)
	})

	api.POST("/identity", handleSetIdentity)
	api.GET("/identity", func(c *gin.Context) {
		p, ok := participantFrom(c)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no identity"})
			return
		}
		c.JSON(http.StatusOK, identityResponse{ID: p})
	})

	api.GET("/rooms", func(c *gin.Context) {
		rooms := o.Rooms.List()
		sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
		c.JSON(http.StatusOK, rooms)
	})
	api.GET("/rooms/:id/members", func(c *gin.Context) {
		room, ok := o.Rooms.Get(domain.RoomID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		members := room.MembersSnapshot()
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
		c.JSON(http.StatusOK, members)
	})

	log.Info().Str("module", "adapters.http").Bool("metrics", cfg.Metrics && reg != nil).Msg("router setup")
	return r
}

// handleSetIdentity stores a participant id in the session cookie. An empty
// body gets a random id.
func handleSetIdentity(c *gin.Context) {
	var req identityRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	p, err := domain.ParseParticipantID(req.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := sessions.Default(c)
	s.Set(identityKey, string(p))
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}
	c.JSON(http.StatusOK, identityResponse{ID: p})
}
