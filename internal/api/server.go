// Package api exposes the bot's published state over a small read-only
// HTTP surface for dashboards.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bybit-orderflow-bot/internal/control"
	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/store"
)

// Server serves snapshots of the last control tick. It never mutates bot
// state.
type Server struct {
	state  *control.StatePublisher
	store  *store.Store
	runID  uuid.UUID
	srv    *http.Server
	log    zerolog.Logger
}

func NewServer(port int, state *control.StatePublisher, st *store.Store, runID uuid.UUID) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		state: state,
		store: st,
		runID: runID,
		log:   logging.Component("api"),
	}

	router.GET("/health", s.health)
	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/status", s.status)
		apiGroup.GET("/report", s.report)
		apiGroup.GET("/sandbox", s.sandboxState)
		apiGroup.GET("/trades", s.trades)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in a goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("status API listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("status API failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	latest := s.state.Latest()
	if latest == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no tick yet"})
		return
	}
	c.JSON(http.StatusOK, latest)
}

func (s *Server) report(c *gin.Context) {
	latest := s.state.Latest()
	if latest == nil || latest.Report == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no report yet"})
		return
	}
	c.JSON(http.StatusOK, latest.Report)
}

func (s *Server) sandboxState(c *gin.Context) {
	latest := s.state.Latest()
	if latest == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no tick yet"})
		return
	}
	c.JSON(http.StatusOK, latest.Sandbox)
}

func (s *Server) trades(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no database"})
		return
	}
	trades, err := s.store.TradesForRun(c.Request.Context(), s.runID)
	if err != nil {
		s.log.Error().Err(err).Msg("trade query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": s.runID, "trades": trades})
}
