package handlers

import (
	"log/slog"
	"time"

	"github.com/sentryline/callmesh/internal/config"
	"github.com/sentryline/callmesh/internal/guest"
	"github.com/sentryline/callmesh/internal/registry"
	"github.com/sentryline/callmesh/internal/relay"
	"github.com/sentryline/callmesh/internal/turn"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type Handlers struct {
	config   *config.Config
	registry *registry.Registry
	gateway  *guest.Gateway
	hub      *relay.Hub

	// turnServer is nil when the embedded relay is disabled (tests,
	// deployments with an external TURN service).
	turnServer *turn.Server

	db         *gorm.DB
	upgrader   websocket.Upgrader
	log        *slog.Logger
	nowFn      func() time.Time
}

func New(
	cfg *config.Config,
	reg *registry.Registry,
	gateway *guest.Gateway,
	hub *relay.Hub,
	turnServer *turn.Server,
	db *gorm.DB,
	upgrader websocket.Upgrader,
	log *slog.Logger,
) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		config:     cfg,
		registry:   reg,
		gateway:    gateway,
		hub:        hub,
		turnServer: turnServer,
		db:         db,
		upgrader:   upgrader,
		log:        log,
		nowFn:      time.Now,
	}
}
