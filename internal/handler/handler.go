package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"geoattend/internal/apperr"
	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/session"
)

// maxImageBytes bounds uploaded photos.
const maxImageBytes = 8 << 20

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	pipeline *attendance.Pipeline
	sessions *session.Service
	health   map[string]HealthCheck
	log      zerolog.Logger

	// KeepAlive is the interval of comment pings on the state stream.
	KeepAlive time.Duration
}

func New(pipeline *attendance.Pipeline, sessions *session.Service, health map[string]HealthCheck, log zerolog.Logger) *Handler {
	return &Handler{
		pipeline:  pipeline,
		sessions:  sessions,
		health:    health,
		log:       log.With().Str("component", "http").Logger(),
		KeepAlive: 15 * time.Second,
	}
}

// Routes mounts every endpoint. authn guards /v1 and extra runs after it.
func (h *Handler) Routes(r gin.IRouter, authn gin.HandlerFunc, extra ...gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1", append([]gin.HandlerFunc{authn}, extra...)...)

	att := v1.Group("/attendance")
	att.POST("/verify-location", h.VerifyLocation)
	att.POST("/verify-code", h.VerifyCode)
	att.POST("/verify-face", h.VerifyFace)
	att.GET("/check-face-upload", h.CheckFaceUpload)
	att.GET("/history", h.History)
	att.GET("/state", h.State)
	att.DELETE("/state", h.ResetState)
	att.GET("/state/stream", h.StreamState)

	v1.POST("/users/face-image", h.UploadFaceImage)

	sup := v1.Group("/sessions", auth.RequireRole(auth.RoleSupervisor))
	sup.GET("/active", h.ListActive)
	sup.POST("", h.CreateSession)
	sup.GET("/mine", h.ListMine)
	sup.GET("/:id", h.GetSession)
	sup.POST("/:id/end", h.EndSession)
	sup.DELETE("/:id", h.DeleteSession)
	sup.POST("/:id/restore", h.RestoreSession)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.health {
		healthy := check(ctx) == nil
		body[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- helpers ----------

func identity(c *gin.Context) session.Identity {
	claims, _ := auth.ClaimsFrom(c)
	return session.Identity{
		UserID:    claims.Subject,
		Name:      claims.Name,
		Email:     claims.Email,
		StudentID: claims.StudentID,
	}
}

func actor(c *gin.Context) session.Actor {
	claims, _ := auth.ClaimsFrom(c)
	return session.Actor{UserID: claims.Subject, Supervisor: claims.Supervisor()}
}

// errorBody renders err as {"error": kind, "message": ..., "geofence": ...}.
func errorBody(err error) (int, gin.H) {
	kind := apperr.KindOf(err)
	body := gin.H{"error": kind, "message": "internal error"}
	var e *apperr.Error
	if errors.As(err, &e) {
		body["message"] = e.Message
		if e.Geofence != nil {
			body["geofence"] = e.Geofence
		}
	}
	if apperr.Retryable(err) {
		body["retryable"] = true
	}
	return apperr.HTTPStatus(kind), body
}

func (h *Handler) renderError(c *gin.Context, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": apperr.InvalidArgument, "message": msg})
}

func queryLimit(c *gin.Context, def, max int) int {
	limit := def
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
