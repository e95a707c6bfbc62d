package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devtomas22/note/internal/culler"
	"github.com/devtomas22/note/internal/metrics"
	"github.com/devtomas22/note/internal/models"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr      string
	AuthToken string
	Version   string
	Logger    *slog.Logger

	// CullerStats, when set, is reported by /health.
	CullerStats func() culler.Stats
}

// Server provides the HTTP API for note.
type Server struct {
	service *Service
	cfg     ServerConfig
	log     *slog.Logger
	engine  *gin.Engine
	server  *http.Server

	mu       sync.Mutex
	sessions map[*session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewServer creates a new HTTP server and registers its routes.
func NewServer(service *Service, cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		service:  service,
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[*session]struct{}),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api", RequireToken(s.cfg.AuthToken))
	api.GET("/kernelspecs", s.listKernelSpecs)

	kernels := api.Group("/kernels")
	kernels.GET("", s.listKernels)
	kernels.POST("", s.startKernel)
	kernels.GET("/:id", s.getKernel)
	kernels.DELETE("/:id", s.shutdownKernel)
	kernels.POST("/:id/interrupt", s.interruptKernel)
	kernels.POST("/:id/restart", s.restartKernel)
	kernels.POST("/:id/execute", s.execute)
	kernels.GET("/:id/history", s.history)
	kernels.GET("/:id/channels", s.channels)

	notebooks := api.Group("/notebooks")
	notebooks.GET("", s.listNotebooks)
	notebooks.POST("", s.createNotebook)
	notebooks.GET("/:id", s.getNotebook)
	notebooks.PUT("/:id", s.saveNotebook)
	notebooks.DELETE("/:id", s.deleteNotebook)

	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("starting note gateway", "addr", s.cfg.Addr)
	return srv.ListenAndServe()
}

// Shutdown closes every WebSocket session and gracefully shuts down the
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	srv := s.server
	for sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// --- Health ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
	Kernels int    `json:"kernels"`

	Culler *culler.Stats `json:"culler,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	health := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: s.cfg.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Kernels: len(s.service.ListKernels()),
	}
	if s.cfg.CullerStats != nil {
		st := s.cfg.CullerStats()
		health.Culler = &st
	}
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		health.OK = false
		health.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// --- Kernel Handlers ---

// KernelSpecsResponse is the body of GET /api/kernelspecs.
type KernelSpecsResponse struct {
	Default     string                       `json:"default"`
	KernelSpecs map[string]models.KernelSpec `json:"kernelspecs"`
}

func (s *Server) listKernelSpecs(c *gin.Context) {
	def, specs := s.service.KernelSpecs()
	resp := KernelSpecsResponse{Default: def, KernelSpecs: make(map[string]models.KernelSpec, len(specs))}
	for _, spec := range specs {
		resp.KernelSpecs[spec.Name] = spec
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listKernels(c *gin.Context) {
	kernels := s.service.ListKernels()
	if kernels == nil {
		kernels = []models.KernelInfo{}
	}
	c.JSON(http.StatusOK, kernels)
}

type startKernelRequest struct {
	Name string `json:"name"`
}

func (s *Server) startKernel(c *gin.Context) {
	var req startKernelRequest
	if c.Request.ContentLength != 0 {
		if err := bindJSON(c, &req); err != nil {
			s.writeError(c, err)
			return
		}
	}
	info, err := s.service.StartKernel(c.Request.Context(), req.Name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) getKernel(c *gin.Context) {
	info, err := s.service.GetKernel(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) shutdownKernel(c *gin.Context) {
	if err := s.service.ShutdownKernel(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) interruptKernel(c *gin.Context) {
	if err := s.service.InterruptKernel(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) restartKernel(c *gin.Context) {
	info, err := s.service.RestartKernel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type executeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) execute(c *gin.Context) {
	var req executeRequest
	if err := bindJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	result, err := s.service.Execute(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) history(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(c, fmt.Errorf("%w: invalid limit %q", ErrBadRequest, raw))
			return
		}
		limit = n
	}
	records, err := s.service.History(c.Param("id"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if records == nil {
		records = []models.ExecutionRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// --- Notebook Handlers ---

func (s *Server) listNotebooks(c *gin.Context) {
	notebooks, err := s.service.ListNotebooks()
	if err != nil {
		s.writeError(c, err)
		return
	}
	if notebooks == nil {
		notebooks = []models.Notebook{}
	}
	c.JSON(http.StatusOK, notebooks)
}

type createNotebookRequest struct {
	Name       string `json:"name" binding:"required"`
	KernelSpec string `json:"kernelspec"`
}

func (s *Server) createNotebook(c *gin.Context) {
	var req createNotebookRequest
	if err := bindJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	nb, err := s.service.CreateNotebook(req.Name, req.KernelSpec)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, nb)
}

func (s *Server) getNotebook(c *gin.Context) {
	nb, err := s.service.GetNotebook(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nb)
}

func (s *Server) saveNotebook(c *gin.Context) {
	var nb models.Notebook
	if err := bindJSON(c, &nb); err != nil {
		s.writeError(c, err)
		return
	}
	saved, err := s.service.SaveNotebook(c.Param("id"), &nb)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) deleteNotebook(c *gin.Context) {
	if err := s.service.DeleteNotebook(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// track registers a WebSocket session. It returns false once Shutdown has
// begun.
func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}
