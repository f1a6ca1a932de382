package broker

import (
	"net/http"
	"os"
	"time"

	"github.com/danmuck/portbroker/internal/auth"
	"github.com/danmuck/portbroker/internal/observability"
	"github.com/danmuck/portbroker/internal/port"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// AdminConfig wires the localhost HTTP surface.
type AdminConfig struct {
	Addr        string
	Token       string
	CORSOrigins []string
	Stages      []StageBlock
	Launcher    Launcher
}

// Admin serves health, readiness, metrics, the registry snapshot, and a
// token-guarded on-demand stage launch over a running broker.
type Admin struct {
	srv      *Server
	addr     string
	stages   map[string]StageBlock
	launcher Launcher
	router   *gin.Engine
	started  time.Time
}

func NewAdmin(srv *Server, cfg AdminConfig) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("broker"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	launcher := cfg.Launcher
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	stages := make(map[string]StageBlock, len(cfg.Stages))
	for _, stage := range cfg.Stages {
		stages[stage.Name] = stage
	}

	a := &Admin{
		srv:      srv,
		addr:     cfg.Addr,
		stages:   stages,
		launcher: launcher,
		router:   r,
		started:  time.Now(),
	}
	a.registerRoutes(auth.StaticToken{Token: cfg.Token})
	return a
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

func (a *Admin) registerRoutes(v auth.Validator) {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"socket":  a.srv.SocketPath(),
			"version": "0.0.1",
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !a.srv.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  a.srv.Ready(),
			"uptime": time.Since(a.started).String(),
		})
	})

	a.router.GET("/services", func(c *gin.Context) {
		infos, err := a.srv.Services(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"services": infos})
	})

	a.router.POST("/services/:name/spawn", auth.Middleware(v), func(c *gin.Context) {
		name := c.Param("name")
		stage, ok := a.stages[name]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown stage"})
			return
		}
		env := append(os.Environ(), port.SlotAssignment(a.srv.SocketPath()))
		pid, err := a.launcher.Start(stage, env)
		if err != nil {
			observability.RecordSpawn(stage.Name, "failed")
			log.Error().Err(err).Str("stage", stage.Name).Msg("admin spawn failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		observability.RecordSpawn(stage.Name, "launched")
		log.Info().Str("stage", stage.Name).Int("pid", pid).Msg("admin spawn")
		c.JSON(http.StatusOK, gin.H{"status": "ok", "pid": pid})
	})
}

// Serve blocks on the admin listener.
func (a *Admin) Serve() error {
	return a.router.Run(a.addr)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
