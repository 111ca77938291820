// Package api exposes the control-plane HTTP API and the live request feed.
//
// Endpoints
//
//	GET    /health                       Liveness (unauthenticated).
//	GET    /api/stats                    Pool + traffic stats over the ring.
//	GET    /api/pool?page&per_page       Paginated proxy list.
//	POST   /api/pool/flush               Remove all dead records.
//	POST   /api/pool/refresh             Trigger an immediate refresh.
//	GET    /api/requests?count=N         Last N request records.
//	GET    /api/rotation-rules           Read rotation config.
//	POST   /api/rotation-rules           Update rotation config.
//	GET    /api/domain-overrides         List overrides.
//	POST   /api/domain-overrides         Create/replace an override.
//	DELETE /api/domain-overrides/:domain Remove an override.
//	GET    /ws/live                      WebSocket feed of request records.
//
// Everything under /api and /ws requires Authorization: Bearer <secret>
// (or ?token=<secret> for WebSocket clients that cannot set headers).
// When no secret is configured, these routes are served without a check.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyfleet/internal/pool"
	"github.com/drsoft-oss/proxyfleet/internal/rotation"
	"github.com/drsoft-oss/proxyfleet/internal/store"
)

// Refresher triggers a maintainer refresh pass.
type Refresher interface {
	TriggerRefresh()
}

// Server is the control API server.
type Server struct {
	st     *store.Store
	pool   *pool.Pool
	engine *rotation.Engine
	maint  Refresher
	log    *zap.Logger
	secret string

	srv      *http.Server
	upgrader websocket.Upgrader
}

// New creates and configures the API server.
func New(addr string, st *store.Store, p *pool.Pool, eng *rotation.Engine, maint Refresher, secret string, log *zap.Logger) *Server {
	s := &Server{
		st:     st,
		pool:   p,
		engine: eng,
		maint:  maint,
		log:    log.Named("api"),
		secret: secret,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	authed := r.Group("/", s.requireBearer)
	authed.GET("/api/stats", s.handleStats)
	authed.GET("/api/pool", s.handlePool)
	authed.POST("/api/pool/flush", s.handlePoolFlush)
	authed.POST("/api/pool/refresh", s.handlePoolRefresh)
	authed.GET("/api/requests", s.handleRequests)
	authed.GET("/api/rotation-rules", s.handleGetRotation)
	authed.POST("/api/rotation-rules", s.handleSetRotation)
	authed.GET("/api/domain-overrides", s.handleListOverrides)
	authed.POST("/api/domain-overrides", s.handleSetOverride)
	authed.DELETE("/api/domain-overrides/:domain", s.handleDeleteOverride)
	authed.GET("/ws/live", s.handleLive)

	s.srv = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// -----------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------

func (s *Server) requireBearer(c *gin.Context) {
	if s.secret == "" {
		c.Next()
		return
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.secret {
		c.Next()
		return
	}
	if c.Query("token") == s.secret {
		c.Next()
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// -----------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.st.Ping(c.Request.Context()).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statsResponse aggregates pool composition and ring-derived traffic stats.
type statsResponse struct {
	pool.Stats
	ReqPerSec    float64 `json:"req_per_sec"`
	BlockRate    float64 `json:"block_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	ps, err := s.pool.Stats(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	recs, err := s.st.RecentRequests(ctx, store.RingCap)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := statsResponse{Stats: ps}
	if len(recs) > 0 {
		now := float64(time.Now().UnixNano()) / 1e9
		recent, blocked := 0, 0
		var latencySum float64
		for _, r := range recs {
			if now-r.TS <= 60 {
				recent++
			}
			if r.Blocked {
				blocked++
			}
			latencySum += r.LatencyMS
		}
		out.ReqPerSec = float64(recent) / 60
		out.BlockRate = float64(blocked) / float64(len(recs))
		out.AvgLatencyMS = latencySum / float64(len(recs))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePool(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
	filter := pool.Filter{
		Status:  c.Query("status"),
		Country: c.Query("country"),
	}
	proxies, total, err := s.pool.List(c.Request.Context(), filter, page, perPage)
	if err != nil {
		s.fail(c, err)
		return
	}
	if proxies == nil {
		proxies = []pool.Proxy{}
	}
	c.JSON(http.StatusOK, gin.H{
		"proxies":  proxies,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

func (s *Server) handlePoolFlush(c *gin.Context) {
	removed, err := s.pool.FlushDead(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handlePoolRefresh(c *gin.Context) {
	s.maint.TriggerRefresh()
	c.JSON(http.StatusAccepted, gin.H{"refreshing": true})
}

func (s *Server) handleRequests(c *gin.Context) {
	count, _ := strconv.Atoi(c.DefaultQuery("count", "50"))
	recs, err := s.st.RecentRequests(c.Request.Context(), count)
	if err != nil {
		s.fail(c, err)
		return
	}
	if recs == nil {
		recs = []store.RequestRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) handleGetRotation(c *gin.Context) {
	cfg, err := s.engine.EnsureConfig(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleSetRotation(c *gin.Context) {
	var cfg rotation.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	if err := s.engine.SaveConfig(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleListOverrides(c *gin.Context) {
	overrides, err := s.engine.ListOverrides(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if overrides == nil {
		overrides = []rotation.Override{}
	}
	c.JSON(http.StatusOK, overrides)
}

func (s *Server) handleSetOverride(c *gin.Context) {
	var ov rotation.Override
	if err := c.ShouldBindJSON(&ov); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	if err := s.engine.SetOverride(c.Request.Context(), ov); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ov)
}

func (s *Server) handleDeleteOverride(c *gin.Context) {
	if err := s.engine.DeleteOverride(c.Request.Context(), c.Param("domain")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleLive upgrades to WebSocket and relays the store's live channel.
func (s *Server) handleLive(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := s.st.SubscribeLive(ctx)
	defer sub.Close()

	// Drain client frames so pings/close are processed; the feed is
	// one-way otherwise.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	s.log.Warn("api error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
