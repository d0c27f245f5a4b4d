package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"geoattend/internal/app"
	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/cloudinary"
	"geoattend/internal/config"
	"geoattend/internal/face"
	"geoattend/internal/faceclient"
	"geoattend/internal/geo"
	"geoattend/internal/handler"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/logging"
	"geoattend/internal/reaper"
	"geoattend/internal/session"
	"geoattend/internal/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", "console")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "api").Logger()

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

func runHTTP(cfg config.App, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backends.Close(context.Background())

	checker := geo.Checker{HighAccuracyMeters: cfg.HighAccuracyMeters}
	defaultLocation := session.Location{
		Latitude:     cfg.DefaultTargetLat,
		Longitude:    cfg.DefaultTargetLng,
		RadiusMeters: cfg.DefaultRadius,
	}

	sessions := session.NewService(backends.Sessions, backends.Events, session.Options{
		DefaultLocation: defaultLocation,
		MinDuration:     cfg.SessionMinDuration,
		MaxDuration:     cfg.SessionMaxDuration,
		DeleteGrace:     cfg.DeleteGrace,
		CodeAlphabet:    cfg.SessionCodeAlphabet,
	}, log)

	if cfg.QueueBackend == "memory" {
		// Nothing outside this process can consume an in-memory queue.
		rp := reaper.New(backends.Events, backends.Scheduler, sessions, reaper.Config{
			Grace:    cfg.DeleteGrace,
			Interval: cfg.ReaperInterval,
		}, log)
		go func() {
			if err := rp.Run(ctx); err != nil {
				log.Error().Err(err).Msg("in-process reaper stopped")
			}
		}()
	}

	faces := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := faces.Health(ctx); err != nil {
			log.Warn().Err(err).Msg("face service not available, face verification will fail until it is")
		} else {
			log.Info().Msg("face service connected")
		}
	}

	deps := attendance.Deps{
		Machine:         verify.NewMachine(backends.Verify, cfg.VerifyTTL, log),
		Validator:       session.NewValidator(backends.Sessions, checker),
		Committer:       session.NewCommitter(backends.Sessions),
		Sessions:        backends.Sessions,
		Gate:            face.NewGate(faces, cfg.FaceThreshold),
		Profiles:        backends.Profiles,
		Events:          backends.Events,
		Checker:         checker,
		DefaultFence:    defaultLocation.Fence(),
		LocationTimeout: cfg.LocationTimeout,
		Logger:          log,
	}
	// Cloudinary client (nil when not configured)
	if cfg.CloudinaryConfigured() {
		deps.Uploader = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Info().Str("cloud", cfg.CloudinaryCloudName).Msg("cloudinary configured")
	} else {
		log.Warn().Msg("cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}
	pipeline := attendance.NewPipeline(deps)

	var limiter *httpmiddleware.Limiter
	bucket := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if backends.Redis != nil {
		limiter = httpmiddleware.NewLimiter(httpmiddleware.NewRedisFixedWindow(backends.Redis.Client, cfg.RateLimitPerMin), bucket, log)
	} else {
		limiter = httpmiddleware.NewLimiter(bucket, nil, log)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.Gin(log, "/healthz", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(securityHeaders())
	r.Use(limiter.ByIP())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := handler.New(pipeline, sessions, backends.Health(), log)
	h.Routes(r, auth.Middleware(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.ByUser())

	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays unset: the state stream is long-lived.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced shutdown")
	}
	log.Info().Msg("server exited")
	return nil
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
