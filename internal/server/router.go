package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"sapa-server/internal/auth"
	"sapa-server/internal/config"
	"sapa-server/internal/directory"
	"sapa-server/internal/handler"
	"sapa-server/internal/hub"
	"sapa-server/internal/middleware"
	"sapa-server/internal/presence"
	"sapa-server/internal/socketio"
	"sapa-server/internal/store"
)

type Deps struct {
	Hub         *hub.Hub
	Presence    *presence.Service
	Store       *store.Store
	Directory   directory.Directory
	TokenConfig auth.TokenConfig
	Config      config.Config
	Log         *slog.Logger
	Relay       socketio.Relay // may be nil
}

// NewRouter assembles the HTTP surface and the realtime endpoint. The
// returned socketio.Server is also the presence broadcaster; callers wire
// it into the presence service.
func NewRouter(deps Deps) (*gin.Engine, *socketio.Server) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	configHandler := &handler.ConfigHandler{PublicWSURL: deps.Config.PublicWSURL}
	r.GET("/v1/config", configHandler.Get)

	tokenLimiter := middleware.NewRateLimiter(10, time.Minute)
	tokenHandler := &handler.TokenHandler{TokenConfig: deps.TokenConfig}

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.POST("/auth/token", middleware.RateLimitMiddleware(tokenLimiter), tokenHandler.Exchange)

	historyHandler := &handler.HistoryHandler{Store: deps.Store, Directory: deps.Directory}
	protected.GET("/messages/:userId", historyHandler.Messages)
	protected.GET("/calls", historyHandler.Calls)

	presenceHandler := &handler.PresenceHandler{Presence: deps.Presence}
	protected.GET("/presence/:userId", presenceHandler.Status)

	rt := socketio.NewServer(socketio.Deps{
		Hub:         deps.Hub,
		Presence:    deps.Presence,
		Store:       deps.Store,
		Directory:   deps.Directory,
		TokenConfig: deps.TokenConfig,
		Log:         deps.Log,
		Relay:       deps.Relay,
	}, deps.Config.RingTimeout)
	r.GET("/ws", gin.WrapH(rt))

	return r, rt
}
