package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/apperr"
	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/credential"
	"rollcall/internal/export"
	"rollcall/internal/model"
	"rollcall/internal/queue"
	"rollcall/internal/ratelimit"
	"rollcall/internal/session"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func run(cfg config.App) error {
	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(queue.NewRedisClient(cfg.RedisAddr), "")
	}

	codec := credential.New(cfg.CommitSecret)
	sessions := session.NewService(st, codec)
	intake := attendance.NewService(st, codec)
	exports := export.NewService(st)
	limiter := ratelimit.New(st, cfg.RateLimitWindow, cfg.RateLimitMax)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "store": true})
	})

	// Student-facing submission. No auth; rate limited per client IP.
	r.POST("/v1/attendance", limiter.GinMiddleware(), func(c *gin.Context) {
		var body struct {
			SessionID     string `json:"sessionId" binding:"required"`
			StudentNumber string `json:"studentNumber" binding:"required"`
			Token         string `json:"token" binding:"required"`
			ClassCode     string `json:"classCode"`
			Name          string `json:"name"`
			Surname       string `json:"surname"`
			Initials      string `json:"initials"`
			Email         string `json:"email"`
			Group         string `json:"group"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := intake.Submit(c.Request.Context(), attendance.SubmitRequest{
			SessionID:     body.SessionID,
			StudentNumber: body.StudentNumber,
			Token:         body.Token,
			ClassCode:     body.ClassCode,
			Name:          body.Name,
			Surname:       body.Surname,
			Initials:      body.Initials,
			Email:         body.Email,
			Group:         body.Group,
			IP:            c.ClientIP(),
			UserAgent:     c.Request.UserAgent(),
		})
		if err != nil {
			abortAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "message": "Attendance recorded"})
	})

	// Dev identity shim: mints lecturer tokens so the management routes can
	// be exercised without the campus identity provider in front.
	if cfg.Env != "production" && cfg.Env != "prod" {
		r.POST("/v1/dev/token", func(c *gin.Context) {
			var body struct {
				LecturerID string `json:"lecturerId" binding:"required"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			token, expiresAt, err := auth.IssueLecturerToken(body.LecturerID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expiresAt})
		})
	}

	lect := r.Group("/v1", auth.LecturerAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	lect.POST("/sessions", func(c *gin.Context) {
		var body struct {
			ModuleID                 string               `json:"moduleId" binding:"required"`
			ModuleCode               string               `json:"moduleCode" binding:"required"`
			ModuleTitle              string               `json:"moduleTitle"`
			Title                    string               `json:"title"`
			WindowSeconds            int                  `json:"windowSeconds" binding:"required"`
			RequiredFields           model.RequiredFields `json:"requiredFields"`
			RequireClassCode         bool                 `json:"requireClassCode"`
			ClassCodeRotationSeconds int                  `json:"classCodeRotationSeconds"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := sessions.Create(c.Request.Context(), auth.LecturerID(c), session.CreateRequest{
			ModuleID:                 body.ModuleID,
			ModuleCode:               body.ModuleCode,
			ModuleTitle:              body.ModuleTitle,
			Title:                    body.Title,
			WindowSeconds:            body.WindowSeconds,
			RequiredFields:           body.RequiredFields,
			RequireClassCode:         body.RequireClassCode,
			ClassCodeRotationSeconds: body.ClassCodeRotationSeconds,
		})
		if err != nil {
			abortAppErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"sessionId": res.SessionID,
			"expiresAt": res.ExpiresAt,
			"qrToken":   res.QRToken,
			"classCode": res.ClassCode,
		})
	})

	lect.GET("/sessions/:id/pin", func(c *gin.Context) {
		res, err := sessions.CurrentPIN(c.Request.Context(), auth.LecturerID(c), c.Param("id"))
		if err != nil {
			abortAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pin": res.Pin, "rotationSeconds": res.RotationSeconds})
	})

	lect.POST("/sessions/:id/renew", func(c *gin.Context) {
		var body struct {
			WindowSeconds int `json:"windowSeconds"`
		}
		if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := sessions.RenewQR(c.Request.Context(), auth.LecturerID(c), c.Param("id"), body.WindowSeconds)
		if err != nil {
			abortAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"qrToken": res.QRToken, "expiresAt": res.ExpiresAt})
	})

	lect.POST("/sessions/:id/extend", func(c *gin.Context) {
		var body struct {
			ExtensionSeconds int `json:"extensionSeconds" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		expiresAt, err := sessions.Extend(c.Request.Context(), auth.LecturerID(c), c.Param("id"), body.ExtensionSeconds)
		if err != nil {
			abortAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"expiresAt": expiresAt})
	})

	lect.POST("/sessions/:id/end", func(c *gin.Context) {
		if err := sessions.End(c.Request.Context(), auth.LecturerID(c), c.Param("id")); err != nil {
			abortAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	lect.POST("/sessions/:id/attendance/edit", func(c *gin.Context) {
		var body struct {
			StudentNumber string                `json:"studentNumber" binding:"required"`
			Action        string                `json:"action" binding:"required"`
			Fields        attendance.EditFields `json:"fields"`
			Reason        string                `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := intake.Edit(c.Request.Context(), auth.LecturerID(c), attendance.EditRequest{
			SessionID:     c.Param("id"),
			StudentNumber: body.StudentNumber,
			Action:        body.Action,
			Fields:        body.Fields,
			Reason:        body.Reason,
		})
		if err != nil {
			abortAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	lect.GET("/sessions/:id/export", func(c *gin.Context) {
		tpl := export.ParseTemplate(c.Query("template"))
		file, err := exports.SessionCSV(c.Request.Context(), auth.LecturerID(c), c.Param("id"), tpl)
		if err != nil {
			abortAppErr(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="`+file.Filename+`"`)
		c.Data(http.StatusOK, file.ContentType, file.Data)
	})

	lect.GET("/modules/:id/summary", func(c *gin.Context) {
		sum, err := exports.Summary(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, sum)
	})

	lect.POST("/modules/:id/roster", func(c *gin.Context) {
		var body struct {
			CSV string `json:"csv" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		imported, err := exports.ImportRoster(c.Request.Context(), auth.LecturerID(c), c.Param("id"), body.CSV)
		if err != nil {
			abortAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "imported": imported})
	})

	lect.POST("/analytics/recompute", func(c *gin.Context) {
		days := cfg.RecomputeWindow
		if v := c.Query("days"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
				return
			}
			days = parsed
		}
		msg, err := queue.NewRecomputeMessage(days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "job encode failed"})
			return
		}
		if err := q.Publish(c.Request.Context(), msg); err != nil {
			log.Printf("queue publish failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"ok": true, "days": days})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func openStore(ctx context.Context, cfg config.App) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		log.Println("using in-memory store")
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, cfg.DatabaseURL)
}

// abortAppErr maps business error kinds to HTTP statuses. Internal causes
// are logged server-side and never sent to the client.
func abortAppErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.InvalidArgument, apperr.FailedPrecondition:
		status = http.StatusBadRequest
	case apperr.Unauthenticated:
		status = http.StatusUnauthorized
	case apperr.PermissionDenied:
		status = http.StatusForbidden
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.AlreadyExists:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Printf("internal error on %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": apperr.MessageOf(err)})
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
