package bot

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"expbot/internal/delivery"
)

// pushRequest is what the backend's delivery worker POSTs for each job.
type pushRequest struct {
	ChatID    int64          `json:"chat_id"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	ProcessID string         `json:"process_id"`
}

// PushHandler returns the HTTP surface the delivery worker forwards to when
// the bot runs as its own service: POST /push, bot-secret authenticated.
func (b *Bot) PushHandler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	g.POST("/push", func(c *gin.Context) {
		got := c.GetHeader("X-Bot-Secret")
		if b.cfg.Secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(b.cfg.Secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
			return
		}
		var req pushRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ChatID == 0 || req.Message == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		err := b.Deliver(c.Request.Context(), delivery.Job{
			ChatID:    req.ChatID,
			Message:   req.Message,
			Metadata:  req.Metadata,
			ProcessID: req.ProcessID,
		})
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "send_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	return g
}

// NewPushServer starts the push endpoint on the configured listen address.
func (b *Bot) NewPushServer() *http.Server {
	server := &http.Server{
		Addr:              b.cfg.PushListen,
		Handler:           b.PushHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}
