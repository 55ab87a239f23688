// Package api serves the admin HTTP interface: session inspection and
// control, sensitivity rules, a chat endpoint for testing without Discord,
// and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"toolswitch-bot/backend/internal/orchestration"
	"toolswitch-bot/backend/internal/session"
	"toolswitch-bot/backend/internal/store"
	"toolswitch-bot/backend/internal/tools"
	apperrors "toolswitch-bot/backend/pkg/errors"
	"toolswitch-bot/backend/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Dispatcher answers a message with the given tool
type Dispatcher interface {
	Dispatch(ctx context.Context, tool tools.ToolName, req tools.Request) (tools.Result, error)
}

// PersistedLister lists the stored current tools
type PersistedLister interface {
	ListCurrentTools(ctx context.Context, defaultTool tools.ToolName, limit int) ([]session.PersistedTool, error)
}

// ChangeLog lists audited sensitivity edits
type ChangeLog interface {
	SensitivityChanges(ctx context.Context, limit int) ([]store.SensitivityChange, error)
}

// Deps are the collaborators the API serves. Facade is required; routes
// whose collaborator is nil are not mounted.
type Deps struct {
	Facade     *orchestration.Facade
	Dispatcher Dispatcher
	Persisted  PersistedLister
	Changes    ChangeLog
	Gatherer   prometheus.Gatherer
	AdminToken string
	Logger     *zap.Logger
}

type handlers struct {
	Deps
	logger *zap.Logger
}

// NewRouter builds the gin engine
func NewRouter(d Deps) *gin.Engine {
	h := &handlers{Deps: d, logger: logger.OrNop(d.Logger)}

	router := gin.New()
	router.Use(requestLogger(h.logger))
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	{
		api.GET("/status", h.systemStatus)
		api.GET("/sessions/:entity", h.timeoutStatus)
		api.GET("/sensitivity", h.sensitivity)
		if d.Persisted != nil {
			api.GET("/persisted", h.persisted)
		}

		admin := api.Group("", requireAdmin(d.AdminToken))
		admin.POST("/sessions/:entity/extend", h.extend)
		admin.POST("/sessions/:entity/return", h.returnToDefault)
		admin.POST("/sessions/:entity/switch", h.switchTool)
		admin.PUT("/sensitivity", h.setSensitivity)
		if d.Changes != nil {
			admin.GET("/sensitivity/changes", h.changes)
		}
		if d.Dispatcher != nil {
			admin.POST("/chat", h.chat)
		}
	}
	return router
}

func (h *handlers) systemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Facade.SystemStatus())
}

func (h *handlers) timeoutStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Facade.TimeoutStatus(c.Param("entity")))
}

func (h *handlers) extend(c *gin.Context) {
	var req struct {
		Duration string `json:"duration" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := h.Facade.ExtendTimeout(c.Request.Context(), c.Param("entity"), req.Duration)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) returnToDefault(c *gin.Context) {
	st, err := h.Facade.ReturnToDefault(c.Request.Context(), c.Param("entity"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) switchTool(c *gin.Context) {
	var req struct {
		Tool string `json:"tool" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := h.Facade.SwitchTool(c.Request.Context(), c.Param("entity"), req.Tool)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) sensitivity(c *gin.Context) {
	view, err := h.Facade.Sensitivity(c.Query("tool"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) setSensitivity(c *gin.Context) {
	var req struct {
		Target string `json:"target" binding:"required"`
		Field  string `json:"field" binding:"required"`
		Value  string `json:"value"`
		Actor  string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "api"
	}
	view, err := h.Facade.SetSensitivity(c.Request.Context(), actor, req.Target, req.Field, req.Value)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) changes(c *gin.Context) {
	changes, err := h.Changes.SensitivityChanges(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (h *handlers) persisted(c *gin.Context) {
	rows, err := h.Persisted.ListCurrentTools(c.Request.Context(), h.Facade.Registry().DefaultTool(), queryInt(c, "limit", 100))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": rows})
}

// chat runs one message through detection and the active tool, the same
// path a Discord message takes
func (h *handlers) chat(c *gin.Context) {
	var req struct {
		UserID  string `json:"user_id" binding:"required"`
		GuildID string `json:"guild_id"`
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	entityID := h.Facade.EntityFor(req.UserID, req.GuildID)
	switched, detected, res := h.Facade.HandleMessage(ctx, entityID, req.Message)
	active := h.Facade.ActiveTool(ctx, entityID)

	result, err := h.Dispatcher.Dispatch(ctx, active, tools.Request{
		EntityID: entityID,
		UserID:   req.UserID,
		Platform: "api",
		Text:     req.Message,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entity_id":     entityID,
		"switched":      switched,
		"detected_tool": detected,
		"confidence":    res.Confidence,
		"reason":        res.Reason,
		"tool":          result.Tool,
		"content":       result.Content,
	})
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": apperrors.UserMessage(err), "detail": err.Error()})
}

func statusFor(err error) int {
	switch {
	case apperrors.IsErrorType(err, apperrors.ErrorTypeSession):
		return http.StatusConflict
	case apperrors.IsErrorType(err, apperrors.ErrorTypeDuration):
		return http.StatusBadRequest
	case apperrors.IsErrorType(err, apperrors.ErrorTypeTool):
		return http.StatusNotFound
	case apperrors.IsErrorType(err, apperrors.ErrorTypeConfig):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	if n, err := strconv.Atoi(c.Query(key)); err == nil && n > 0 {
		return n
	}
	return def
}

// Server runs the router until its context is cancelled
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer wraps router in an http.Server listening on addr
func NewServer(addr string, router http.Handler, log *zap.Logger) *Server {
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second},
		logger: logger.OrNop(log),
	}
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server started", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}
	return nil
}
