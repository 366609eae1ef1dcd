// Package server provides the talonwatch Gin-based HTTP surface.
// Routes are split into two groups:
//   - Control-plane (port 6677): JWT-protected REST API, viewer socket, /metrics.
//   - Data-plane   (port 1616): agent socket; agents authenticate in-band with hello.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vesaa/talonwatch/internal/config"
	"github.com/vesaa/talonwatch/internal/hub"
	"github.com/vesaa/talonwatch/internal/models"
	"github.com/vesaa/talonwatch/internal/notify"
	"github.com/vesaa/talonwatch/internal/store"
	"github.com/vesaa/talonwatch/internal/traffic"
	"github.com/vesaa/talonwatch/internal/uptime"
)

// Store is the persistence the REST handlers read and write.
type Store interface {
	Machines(ctx context.Context) ([]models.Machine, error)
	Machine(ctx context.Context, id uint) (*models.Machine, error)
	LatestSamples(ctx context.Context, machineID uint, limit int) ([]models.MetricSample, error)
	TrafficCycles(ctx context.Context, machineID uint) ([]models.TrafficCycle, error)
	Settings(ctx context.Context) (map[string]string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// TrafficReader exposes the current billing period usage.
type TrafficReader interface {
	Current(ctx context.Context, machineID uint) (traffic.Snapshot, bool, error)
}

// UptimeReader computes bucketed timelines.
type UptimeReader interface {
	Buckets(ctx context.Context, machineID uint, p uptime.Params) (uptime.Result, error)
}

// Options wire a Server.
type Options struct {
	Config   *config.Config
	Store    Store
	Traffic  TrafficReader
	Uptime   UptimeReader
	Hub      *hub.Hub
	Auth     *Auth
	Gatherer prometheus.Gatherer
	Clock    quartz.Clock
}

// Server owns the route handlers.
type Server struct {
	cfg      *config.Config
	store    Store
	traffic  TrafficReader
	uptime   UptimeReader
	hub      *hub.Hub
	auth     *Auth
	gatherer prometheus.Gatherer
	clock    quartz.Clock
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = &config.Config{}
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		traffic:  opts.Traffic,
		uptime:   opts.Uptime,
		hub:      opts.Hub,
		auth:     opts.Auth,
		gatherer: opts.Gatherer,
		clock:    opts.Clock,
	}
}

// RegisterControlRoutes wires up the control-plane API on the given engine.
//
//	Public:   POST /api/login, GET /api/health, GET /metrics
//	Protected (JWT): all other /api/* routes and the viewer socket
func (s *Server) RegisterControlRoutes(r *gin.Engine) {
	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", s.handleLogin)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.clock.Now().UTC()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", s.auth.JWTMiddleware())
	{
		auth.GET("/machines", s.handleMachines)
		auth.GET("/machines/:id/metrics", s.handleMachineMetrics)
		auth.GET("/machines/:id/uptime", s.handleMachineUptime)
		auth.GET("/machines/:id/traffic", s.handleMachineTraffic)

		auth.GET("/settings", s.handleGetSettings)
		auth.PUT("/settings", s.handlePutSettings)
	}
	r.GET("/ws/ui", s.auth.JWTMiddleware(), s.handleViewerSocket)
}

// RegisterDataRoutes wires up the data-plane routes.
func (s *Server) RegisterDataRoutes(r *gin.Engine) {
	r.GET("/ws/agent", s.handleAgentSocket)

	// Data-plane health, unauthenticated for load balancers and probes.
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	if !s.auth.CheckCredentials(body.Username, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.auth.GenerateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(TokenTTL.Seconds()),
		"type":       "Bearer",
	})
}

func (s *Server) resolver(ctx context.Context) config.Resolver {
	r, err := config.LoadResolver(ctx, s.cfg, s.store)
	if err != nil {
		log.Printf("[api] loading settings: %v", err)
	}
	return r
}

// handleMachines lists every machine with its derived online state.
func (s *Server) handleMachines(c *gin.Context) {
	machines, err := s.store.Machines(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	offlineAfter := s.resolver(c.Request.Context()).OfflineAfter(0)
	now := s.clock.Now()

	out := make([]gin.H, 0, len(machines))
	for i := range machines {
		m := &machines[i]
		out = append(out, gin.H{
			"machine":       m,
			"derivedOnline": notify.DerivedOnline(m.LastSeenAt, now, offlineAfter),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// machineID parses :id and checks the machine exists. It writes the error
// response itself and returns false on failure.
func (s *Server) machineID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	if _, err := s.store.Machine(c.Request.Context(), uint(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "machine not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return 0, false
	}
	return uint(id), true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

// handleMachineMetrics returns the newest samples for a machine.
//
//	GET /api/machines/:id/metrics?limit=60
func (s *Server) handleMachineMetrics(c *gin.Context) {
	id, ok := s.machineID(c)
	if !ok {
		return
	}
	limit := min(max(queryInt(c, "limit", 60), 1), 1000)
	samples, err := s.store.LatestSamples(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": samples})
}

// handleMachineUptime returns the bucketed uptime timeline.
//
//	GET /api/machines/:id/uptime?hours=24&bucketMinutes=30&offlineAfterMinutes=
func (s *Server) handleMachineUptime(c *gin.Context) {
	id, ok := s.machineID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	p := uptime.Params{
		Hours:               queryInt(c, "hours", 24),
		BucketMinutes:       queryInt(c, "bucketMinutes", 30),
		OfflineAfterMinutes: s.resolver(ctx).OfflineAfterMinutes(queryInt(c, "offlineAfterMinutes", 0)),
	}
	res, err := s.uptime.Buckets(ctx, id, p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

// handleMachineTraffic returns the current period and the period history.
func (s *Server) handleMachineTraffic(c *gin.Context) {
	id, ok := s.machineID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	snap, found, err := s.traffic.Current(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	history, err := s.store.TrafficCycles(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var current any
	if found {
		current = hub.MonthTraffic{
			Month:   snap.PeriodKey,
			StartAt: snap.StartAt.UnixMilli(),
			EndAt:   snap.EndAt.UnixMilli(),
			RxBytes: snap.UsageRxBytes,
			TxBytes: snap.UsageTxBytes,
		}
	}
	c.JSON(http.StatusOK, gin.H{"current": current, "history": history})
}

// handleGetSettings returns stored settings merged with their effective values.
func (s *Server) handleGetSettings(c *gin.Context) {
	ctx := c.Request.Context()
	stored, err := s.store.Settings(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	r := config.NewResolver(s.cfg, stored)
	c.JSON(http.StatusOK, gin.H{
		"stored": stored,
		"effective": gin.H{
			config.SettingOfflineAfterMinutes: r.OfflineAfterMinutes(0),
			config.SettingBillingAnchorDay:    r.AnchorDay(0),
			config.SettingExpiryWarnDays:      r.ExpiryWarnDays(),
			config.SettingNotifyOffline:       r.NotifyOffline(),
			config.SettingNotifyOnline:        r.NotifyOnline(),
			config.SettingNotifyExpiry:        r.NotifyExpiry(),
		},
	})
}

// handlePutSettings validates every key before writing any.
//
//	PUT /api/settings
//	Body: { "offline_after_minutes": "5", "notify_online": "false" }
func (s *Server) handlePutSettings(c *gin.Context) {
	var body map[string]string
	if err := c.ShouldBindJSON(&body); err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected a JSON object of string values"})
		return
	}
	for k, v := range body {
		if !config.ValidSetting(k, v) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid setting", "key": k})
			return
		}
	}
	ctx := c.Request.Context()
	for k, v := range body {
		if err := s.store.PutSetting(ctx, k, v); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	log.Printf("[api] settings updated by %s: %v", c.GetString("username"), body)
	s.handleGetSettings(c)
}

func (s *Server) handleViewerSocket(c *gin.Context) {
	conn, err := hub.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[api] viewer upgrade: %v", err)
		return
	}
	s.hub.ServeViewer(conn, remoteIP(c), c.GetString("username"))
}

func (s *Server) handleAgentSocket(c *gin.Context) {
	conn, err := hub.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[api] agent upgrade: %v", err)
		return
	}
	s.hub.ServeAgent(context.WithoutCancel(c.Request.Context()), conn, remoteIP(c))
}

func remoteIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return host
}

// Shutdown gracefully stops srv within timeout.
func Shutdown(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[api] shutdown %s: %v", srv.Addr, err)
	}
}
