package webhookapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/waxline/waxline/config"
	"github.com/waxline/waxline/internal/conn"
	"github.com/waxline/waxline/internal/ingest"
	"github.com/waxline/waxline/internal/media"
	"github.com/waxline/waxline/internal/reconcile"
	"github.com/waxline/waxline/internal/runtime"
	"github.com/waxline/waxline/internal/stability"
	"github.com/waxline/waxline/internal/store"
)

// Server exposes the webhook sink and the management API over echo.
type Server struct {
	cfg      *config.AppConfig
	e        *echo.Echo
	store    store.InstanceStore
	ingestor *ingest.Ingestor
	rec      *conn.Reconnector
	registry *conn.Registry
	stab     *stability.Controller
	recsvc   *reconcile.Service
	client   runtime.Client
	resolver *media.Resolver
	node     *snowflake.Node
	pairing  singleflight.Group
}

func NewServer(cfg *config.AppConfig, st store.InstanceStore, ig *ingest.Ingestor,
	rec *conn.Reconnector, reg *conn.Registry, stab *stability.Controller,
	recsvc *reconcile.Service, client runtime.Client, resolver *media.Resolver,
	node *snowflake.Node) *Server {

	s := &Server{
		cfg:      cfg,
		e:        echo.New(),
		store:    st,
		ingestor: ig,
		rec:      rec,
		registry: reg,
		stab:     stab,
		recsvc:   recsvc,
		client:   client,
		resolver: resolver,
		node:     node,
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())
	if cfg.Web.ApiToken != "" {
		s.e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			// The webhook sink and health probe stay open: the runtime
			// pushing events does not hold our API token.
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/api/webhook" || c.Path() == "/api/health"
			},
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == cfg.Web.ApiToken, nil
			},
		}))
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.POST("/api/webhook", s.postWebhook)
	s.e.GET("/api/health", s.getHealth)

	s.e.GET("/api/instances", s.listInstances)
	s.e.POST("/api/instances", s.createInstance)
	s.e.GET("/api/instances/:id", s.getInstance)
	s.e.DELETE("/api/instances/:id", s.deleteInstance)
	s.e.GET("/api/instances/:id/pairing", s.getPairing)
	s.e.POST("/api/instances/:id/reconnect", s.postReconnect)

	s.e.GET("/api/media/:messageId", s.getMedia)

	s.e.GET("/api/recovery/status", s.getRecoveryStatus)
	s.e.POST("/api/recovery/reset", s.postRecoveryReset)
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	zap.L().Info("webhook api listening", zap.String("addr", addr))
	err := s.e.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": data})
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, echo.Map{
		"success": false,
		"code":    code,
		"message": message,
		"details": details,
	})
}

func (s *Server) getHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	runtimeUp := true
	if s.stab.Allow(stability.OpHealthCheck) {
		err := s.client.Health(ctx)
		s.stab.Report(stability.OpHealthCheck, err == nil, err)
		runtimeUp = err == nil
	} else {
		// In backoff: answer from the last known verdict without probing.
		for _, snap := range s.stab.Snapshots() {
			if snap.OpClass == stability.OpHealthCheck {
				runtimeUp = snap.Healthy
			}
		}
	}
	status := "ok"
	if !runtimeUp {
		status = "degraded"
	}
	return ok(c, echo.Map{"status": status, "runtime_up": runtimeUp})
}
