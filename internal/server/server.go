// Package server exposes the page-view tracker over HTTP.
package server

import (
	"context"
	_ "embed"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tckz/go-pageview-counter/internal/tracking"
)

//go:embed static/tracker.js
var trackerJS []byte

const maxEventBytes = 16 << 10

type ViewRecorder interface {
	RecordView(ctx context.Context, rawPath string) error
	Counts(ctx context.Context, rawPath string) (tracking.Counts, error)
}

var _ ViewRecorder = (*tracking.Tracker)(nil)

type Config struct {
	Recorder ViewRecorder
	Logger   *zap.SugaredLogger
	// AllowOrigins empty means any origin.
	AllowOrigins []string
}

func NewRouter(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(cfg.Logger))
	r.Use(CORS(cfg.AllowOrigins))

	h := &handler{recorder: cfg.Recorder}
	r.GET("/healthcheck", h.healthCheck)
	r.GET("/tracker.js", h.trackerScript)
	r.POST("/track", h.track)
	r.GET("/counters", h.counters)

	return r
}

func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-Requested-With", "X-Request-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func RequestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Header("X-Request-ID", reqID)

		c.Next()

		if logger == nil {
			return
		}

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []interface{}{
			"method", strings.ToUpper(c.Request.Method),
			"path", path,
			"status", status,
			"duration", time.Since(start),
			"requestID", reqID,
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			fields = append(fields, "error", errs.String())
		}

		switch {
		case status >= 500:
			logger.Errorw("HTTP request", fields...)
		case status >= 400:
			logger.Warnw("HTTP request", fields...)
		default:
			logger.Debugw("HTTP request", fields...)
		}
	}
}

type handler struct {
	recorder ViewRecorder
}

func (h *handler) healthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *handler) trackerScript(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", trackerJS)
}

func (h *handler) track(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBytes)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, tracking.KindInvalidInput.String(), errors.New("event too large"))
			return
		}
		respondError(c, http.StatusBadRequest, tracking.KindInvalidInput.String(), err)
		return
	}

	ev, err := tracking.ParseEvent(body)
	if err != nil {
		respondTrackingError(c, err)
		return
	}

	if err := h.recorder.RecordView(c.Request.Context(), ev.Page()); err != nil {
		respondTrackingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Tracking data received"})
}

func (h *handler) counters(c *gin.Context) {
	p := c.Query("path")
	counts, err := h.recorder.Counts(c.Request.Context(), p)
	if err != nil {
		respondTrackingError(c, err)
		return
	}

	if p == "" {
		c.JSON(http.StatusOK, gin.H{"total": counts.Total})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":  tracking.PagePath(counts.Key),
		"key":   counts.Key,
		"count": counts.Page,
		"total": counts.Total,
	})
}
