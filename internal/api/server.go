// Package api exposes the bridge to the outer protocol server over HTTP:
// submit a feedback request, read bridge status, and probe the channel
// connection.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/semaphore/internal/bridge"
)

// Prober checks channel connectivity, matching channel.Client.
type Prober interface {
	TestConnection(ctx context.Context) (string, error)
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Bridge *bridge.Bridge // required
	Prober Prober         // optional; enables POST /api/test
	Port   int
	Out    io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Bridge == nil {
		return fmt.Errorf("api: bridge is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8642
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts.Bridge, opts.Prober)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// feedbackBody is the POST /api/feedback payload.
type feedbackBody struct {
	SessionID      string `json:"session_id" binding:"required"`
	CallID         string `json:"call_id"`
	ChatID         string `json:"chat_id"`
	Text           string `json:"text" binding:"required"`
	ProjectPath    string `json:"project_path"`
	Timestamped    bool   `json:"timestamped"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// registerRoutes wires the API endpoints.
func registerRoutes(router *gin.Engine, b *bridge.Bridge, prober Prober) {
	router.POST("/api/feedback", func(c *gin.Context) {
		var body feedbackBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := b.Submit(c.Request.Context(), bridge.FeedbackRequest{
			SessionID:   body.SessionID,
			CallID:      body.CallID,
			ChatID:      body.ChatID,
			Text:        body.Text,
			ProjectPath: body.ProjectPath,
			Timestamped: body.Timestamped,
			Timeout:     time.Duration(body.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"call_id":    res.CallID,
			"outcome":    res.Outcome,
			"reply_text": res.ReplyText,
			"reply_from": res.ReplyFrom,
			"error":      res.Error,
		})
	})

	router.GET("/api/status", func(c *gin.Context) {
		st := b.Status()
		c.JSON(http.StatusOK, gin.H{
			"running":       st.Running,
			"shutting_down": st.ShuttingDown,
			"breaker_state": st.BreakerState,
			"last_failure":  st.LastFailure,
			"sessions": gin.H{
				"active":     st.Sessions.Active,
				"awaiting":   st.Sessions.Awaiting,
				"retained":   st.Sessions.Retained,
				"dispatched": st.Sessions.TotalDispatched,
				"replied":    st.Sessions.TotalReplied,
				"expired":    st.Sessions.TotalExpired,
				"failed":     st.Sessions.TotalFailed,
			},
		})
	})

	router.POST("/api/test", func(c *gin.Context) {
		if prober == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no channel configured"})
			return
		}
		diag, err := prober.TestConnection(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "diagnostic": diag})
	})
}
