package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/cloudinary"
	"classtrack/internal/config"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/jobs"
	"classtrack/internal/livefeed"
	"classtrack/internal/queue"
	"classtrack/internal/store"
)

func main() {
	cfg := config.Load()
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	if err := runHTTP(cfg); err != nil {
		logrus.WithError(err).Fatal("http server failed")
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueuePrefix)
	}

	repo := attendance.NewRepository(db.Client)
	feed := livefeed.NewPublisher(redisClient.Client)
	svc := attendance.NewService(repo, feed)
	orchestrator := jobs.NewOrchestrator(q)
	results := jobs.NewResultRepository(db.Client)

	hub := livefeed.NewHub(redisClient.Client, func(ctx context.Context, sessionID string) ([]livefeed.Event, error) {
		roster, err := svc.LiveRoster(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		events := make([]livefeed.Event, 0, len(roster))
		for _, re := range roster {
			events = append(events, livefeed.Event{
				Identity:  attendance.IdentitySummary{ID: re.StudentID, Name: re.Name, MatricNumber: re.MatricNumber},
				Timestamp: re.Timestamp,
			})
		}
		return events, nil
	})

	// Cloudinary client (nil when not configured)
	var cdnClient *cloudinary.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		cdnClient = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logrus.WithField("cloud", cfg.CloudinaryCloudName).Info("cloudinary configured")
	} else {
		logrus.Info("cloudinary not configured, proof uploads disabled")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRedisRateLimiter(redisClient.Client, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Token issuance is the boundary with the identity system: accounts are
	// provisioned elsewhere, this only mints tokens for known users.
	r.POST("/v1/auth/tokens", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := repo.GetUser(c.Request.Context(), req.UserID)
		if err != nil {
			respondError(c, err)
			return
		}

		tokens, err := auth.Issue(user.ID, string(user.Role), cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = repo.SaveRefreshToken(c.Request.Context(), user.ID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authed := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))

	// Proof selfie upload. Accepts a base64 data URL or a multipart file and
	// returns the hosted reference used in claims and override requests.
	authed.POST("/uploads", func(c *gin.Context) {
		if cdnClient == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}

		var result *cloudinary.UploadResult
		var err error
		switch {
		case strings.Contains(c.ContentType(), "multipart/form-data"):
			file, header, ferr := c.Request.FormFile("file")
			if ferr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
				return
			}
			defer file.Close()
			data, ferr := io.ReadAll(file)
			if ferr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
				return
			}
			result, err = cdnClient.UploadBytes(c.Request.Context(), data, header.Filename)
		default:
			var body struct {
				Data string `json:"data" binding:"required"`
			}
			if berr := c.ShouldBindJSON(&body); berr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"data\": \"<base64 data URL>\"}"})
				return
			}
			if !cloudinary.ValidDataURL(body.Data) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid selfie format: must be a base64-encoded image"})
				return
			}
			result, err = cdnClient.UploadDataURL(c.Request.Context(), body.Data)
		}

		if err != nil {
			logrus.WithError(err).Error("proof upload failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"proof_ref": result.SecureURL, "public_id": result.PublicID})
	})

	// Student dashboard: open sessions, optionally filtered to chosen courses.
	authed.GET("/sessions", func(c *gin.Context) {
		var courseIDs []string
		if raw := c.Query("courses"); raw != "" {
			courseIDs = strings.Split(raw, ",")
		}
		sessions, err := svc.Dashboard(c.Request.Context(), courseIDs)
		if err != nil {
			respondError(c, err)
			return
		}
		now := time.Now()
		out := make([]gin.H, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, gin.H{
				"id":             s.ID,
				"course_name":    s.CourseName,
				"lecturer_name":  s.LecturerName,
				"location_name":  s.LocationName,
				"time_remaining": s.MinutesRemaining(now),
				"attendee_count": s.AttendeeCount,
			})
		}
		c.JSON(http.StatusOK, gin.H{"active_sessions": out})
	})

	// An attendance claim is enqueued, not executed inline: the caller gets a
	// job handle and polls /v1/jobs/:id for the outcome.
	authed.POST("/claims", auth.RequireRole(string(attendance.RoleStudent)), func(c *gin.Context) {
		var req struct {
			SessionID  string          `json:"session_id" binding:"required"`
			DeviceID   string          `json:"device_id" binding:"required"`
			Coordinate jobs.Coordinate `json:"coordinate" binding:"required"`
			ProofRef   string          `json:"proof_ref"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := auth.FromContext(c)
		handle, err := orchestrator.Enqueue(c.Request.Context(), jobs.QueueMarkAttendance, jobs.MarkAttendancePayload{
			SessionID:  req.SessionID,
			IdentityID: claims.Subject,
			DeviceID:   req.DeviceID,
			Coordinate: req.Coordinate,
			ProofRef:   req.ProofRef,
		})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not enqueue claim"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": handle.JobID, "queue": handle.Queue})
	})

	// Account activation via ID-card extraction, also asynchronous.
	authed.POST("/activations", auth.RequireRole(string(attendance.RoleStudent)), func(c *gin.Context) {
		var req struct {
			ImageRef string `json:"image_ref" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := auth.FromContext(c)
		handle, err := orchestrator.Enqueue(c.Request.Context(), jobs.QueueExtractData, jobs.ExtractDataPayload{
			ImageRef:   req.ImageRef,
			IdentityID: claims.Subject,
		})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not enqueue activation"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": handle.JobID, "queue": handle.Queue})
	})

	// Job result polling. "unknown" covers both a job still in flight and an
	// id that never existed; a failed job always has a persisted result.
	authed.GET("/jobs/:id", func(c *gin.Context) {
		res, err := results.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "result lookup failed"})
			return
		}
		if res == nil {
			c.JSON(http.StatusNotFound, gin.H{"status": "unknown", "detail": "job still running or id unknown"})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	// A device conflict blocks the claim; the student disputes it here.
	authed.POST("/overrides", auth.RequireRole(string(attendance.RoleStudent)), func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
			DeviceID  string `json:"device_id" binding:"required"`
			ProofRef  string `json:"proof_ref" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := auth.FromContext(c)
		created, err := svc.RequestOverride(c.Request.Context(), attendance.OverrideInput{
			SessionID: req.SessionID,
			StudentID: claims.Subject,
			DeviceID:  req.DeviceID,
			ProofRef:  req.ProofRef,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"override_request_id": created.ID,
			"contested_owner":     created.OwnerSnapshot,
			"status":              created.Status,
		})
	})

	lecturer := authed.Group("", auth.RequireRole(string(attendance.RoleLecturer)))

	lecturer.POST("/sessions", func(c *gin.Context) {
		var req struct {
			CourseID   string    `json:"course_id" binding:"required"`
			LocationID string    `json:"location_id" binding:"required"`
			StartTime  time.Time `json:"start_time" binding:"required"`
			EndTime    time.Time `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := auth.FromContext(c)
		sess, err := svc.CreateSession(c.Request.Context(), attendance.CreateSessionInput{
			CourseID:   req.CourseID,
			LecturerID: claims.Subject,
			LocationID: req.LocationID,
			StartTime:  req.StartTime,
			EndTime:    req.EndTime,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sess)
	})

	lecturer.GET("/sessions/:id/attendees", func(c *gin.Context) {
		roster, err := svc.LiveRoster(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendees": roster})
	})

	lecturer.GET("/sessions/:id/comparison", func(c *gin.Context) {
		cmp, err := svc.Compare(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, cmp)
	})

	lecturer.GET("/sessions/:id/overrides", func(c *gin.Context) {
		reqs, err := svc.ListOverrides(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"override_requests": reqs})
	})

	// Live feed: roster snapshot, then incremental appends over websocket.
	lecturer.GET("/sessions/:id/live", func(c *gin.Context) {
		if err := hub.Serve(c.Writer, c.Request, c.Param("id")); err != nil {
			logrus.WithError(err).Debug("live feed connection closed")
		}
	})

	lecturer.POST("/overrides/:id/approve", func(c *gin.Context) {
		claims := auth.FromContext(c)
		updated, err := svc.ApproveOverride(c.Request.Context(), c.Param("id"), claims.Subject)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"override_request": updated, "student_added": true})
	})

	lecturer.POST("/overrides/:id/deny", func(c *gin.Context) {
		claims := auth.FromContext(c)
		updated, err := svc.DenyOverride(c.Request.Context(), c.Param("id"), claims.Subject)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"override_request": updated})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.WithField("port", cfg.HTTPPort).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("server forced shutdown")
	}

	logrus.Info("server exited")
	return nil
}

// respondError maps the domain error taxonomy onto HTTP. Device conflicts
// carry the owner summary so the client can open an override request.
func respondError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	status := http.StatusInternalServerError

	switch kind := attendance.Kind(err); kind {
	case attendance.KindValidation:
		status = http.StatusBadRequest
	case attendance.KindNotFound:
		status = http.StatusNotFound
	case attendance.KindSessionClosed, attendance.KindOutOfRange:
		status = http.StatusBadRequest
		body["kind"] = kind
	case attendance.KindDuplicateAttendance, attendance.KindInvalidStateTransition:
		status = http.StatusConflict
		body["kind"] = kind
	case attendance.KindDeviceConflict:
		status = http.StatusConflict
		body["kind"] = kind
		var conflict *attendance.DeviceConflictError
		if errors.As(err, &conflict) {
			body["requires_override"] = true
			body["conflict_info"] = conflict.Owner
		}
	case attendance.KindRegistrationRequired:
		status = http.StatusPreconditionRequired
		body["kind"] = kind
	default:
		body = gin.H{"error": "internal error"}
	}

	c.JSON(status, body)
}

// CORS middleware for browser requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
