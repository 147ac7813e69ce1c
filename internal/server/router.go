package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"expbot/internal/manager"
	"expbot/internal/metrics"
	"expbot/internal/store"
)

// Router provides the backend HTTP API.
// User-key endpoints (X-API-Key or Authorization: Bearer):
//
//	POST {basePath}/api/notify
//	POST {basePath}/api/process/start
//	POST {basePath}/api/process/end
//	POST {basePath}/api/process/heartbeat
//	GET  {basePath}/api/validate
//
// Bot-secret endpoints (X-Bot-Secret):
//
//	POST {basePath}/api/register
//	POST {basePath}/api/revoke
//	GET  {basePath}/api/user/status
//	POST {basePath}/api/user/mute
//	POST {basePath}/api/user/unmute
//
// GET {basePath}/healthz is open.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr          *manager.Manager
	basePath     string
	botSecret    string
	serveMetrics bool
}

func NewRouter(mgr *manager.Manager, basePath, botSecret string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath), botSecret: botSecret}
}

// EnableMetrics mounts the prometheus handler at {basePath}/metrics.
func (r *Router) EnableMetrics() { r.serveMetrics = true }

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	if r.serveMetrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	user := group.Group("/api", r.apiKeyAuth())
	user.POST("/notify", r.handleNotify)
	user.POST("/process/start", r.handleProcessStart)
	user.POST("/process/end", r.handleProcessEnd)
	user.POST("/process/heartbeat", r.handleHeartbeat)
	user.GET("/validate", r.handleValidate)

	bot := group.Group("/api", r.botSecretAuth())
	bot.POST("/register", r.handleRegister)
	bot.POST("/revoke", r.handleRevoke)
	bot.GET("/user/status", r.handleUserStatus)
	bot.POST("/user/mute", r.handleSetMuted(true))
	bot.POST("/user/unmute", r.handleSetMuted(false))

	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- Handlers ---

func (r *Router) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type notifyRequest struct {
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata"`
}

func (r *Router) handleNotify(c *gin.Context) {
	u, ok := userFrom(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "authentication_failed", "Authentication required")
		return
	}
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	if _, err := r.mgr.Notify(c.Request.Context(), u, req.Message, req.Metadata); err != nil {
		r.respondOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type processStartRequest struct {
	ProcessID string         `json:"process_id"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata"`
	ParentID  string         `json:"parent_id"`
}

func (r *Router) handleProcessStart(c *gin.Context) {
	u, ok := userFrom(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "authentication_failed", "Authentication required")
		return
	}
	var req processStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	p, err := r.mgr.StartProcess(c.Request.Context(), u, req.ProcessID, req.Name, req.Metadata, req.ParentID)
	if err != nil {
		r.respondOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "process_id": p.ProcessID})
}

type processEndRequest struct {
	ProcessID string         `json:"process_id"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
}

func (r *Router) handleProcessEnd(c *gin.Context) {
	u, ok := userFrom(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "authentication_failed", "Authentication required")
		return
	}
	var req processEndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	_, dur, err := r.mgr.EndProcess(c.Request.Context(), u, req.ProcessID, store.ProcessStatus(req.Status), req.Metadata)
	if err != nil {
		r.respondOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "duration_seconds": dur})
}

type heartbeatRequest struct {
	ProcessID string         `json:"process_id"`
	Metadata  map[string]any `json:"metadata"`
}

func (r *Router) handleHeartbeat(c *gin.Context) {
	u, ok := userFrom(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "authentication_failed", "Authentication required")
		return
	}
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	if err := r.mgr.Heartbeat(c.Request.Context(), u, req.ProcessID, req.Metadata); err != nil {
		r.respondOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (r *Router) handleValidate(c *gin.Context) {
	u, ok := userFrom(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "authentication_failed", "Authentication required")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user": gin.H{
			"display_name":  u.DisplayName,
			"created_at":    u.CreatedAt,
			"muted":         u.Muted,
			"message_count": u.MessageCount,
		},
	})
}

type registerRequest struct {
	PlatformUserID int64  `json:"platform_user_id"`
	ChatID         int64  `json:"chat_id"`
	DisplayName    string `json:"display_name"`
}

func (r *Router) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PlatformUserID == 0 {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	u, created, err := r.mgr.Register(c.Request.Context(), req.PlatformUserID, req.ChatID, req.DisplayName)
	if err != nil {
		r.respondOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "api_key": u.APIKey, "created": created})
}

type platformUserRequest struct {
	PlatformUserID int64 `json:"platform_user_id"`
}

func (r *Router) handleRevoke(c *gin.Context) {
	var req platformUserRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PlatformUserID == 0 {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	key, err := r.mgr.Revoke(c.Request.Context(), req.PlatformUserID)
	if err != nil {
		r.respondOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "api_key": key})
}

func (r *Router) handleUserStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Query("platform_user_id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "invalid_request", "platform_user_id query param required")
		return
	}
	st, err := r.mgr.UserStatus(c.Request.Context(), id)
	if err != nil {
		r.respondOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status": gin.H{
			"api_key":        st.MaskedKey,
			"display_name":   st.User.DisplayName,
			"created_at":     st.User.CreatedAt,
			"last_active":    st.User.LastActive,
			"message_count":  st.User.MessageCount,
			"muted":          st.User.Muted,
			"open_processes": st.OpenProcesses,
		},
	})
}

func (r *Router) handleSetMuted(muted bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req platformUserRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.PlatformUserID == 0 {
			respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
			return
		}
		if err := r.mgr.SetMuted(c.Request.Context(), req.PlatformUserID, muted); err != nil {
			r.respondOpError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// respondOpError maps manager/store errors to the API error taxonomy.
func (r *Router) respondOpError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, manager.ErrAuthFailed):
		respondError(c, http.StatusUnauthorized, "authentication_failed", "Invalid API key")
	case errors.Is(err, store.ErrUserNotFound), errors.Is(err, store.ErrProcessNotFound):
		respondError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, manager.ErrEmptyMessage),
		errors.Is(err, manager.ErrEmptyName),
		errors.Is(err, manager.ErrInvalidStatus),
		errors.Is(err, store.ErrProcessEnded):
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, store.ErrProcessExists), errors.Is(err, store.ErrUserExists):
		respondError(c, http.StatusConflict, "conflict", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
