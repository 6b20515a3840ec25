package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cardscan/models"
	"cardscan/pkg/blobstore"
	"cardscan/pkg/detect"
	"cardscan/pkg/scan"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxUploadBytes bounds multipart image uploads.
const maxUploadBytes = 10 << 20

type server struct {
	app    *app
	secret []byte
	ttl    time.Duration
	logger *slog.Logger
}

func newServer(a *app) *server {
	return &server{
		app:    a,
		secret: []byte(a.cfg.JWTSecret),
		ttl:    a.cfg.TokenTTL,
		logger: a.logger.With("component", "http"),
	}
}

func (s *server) setupRoutes(r *gin.Engine) {
	r.POST("/register", s.registerHandler)
	r.POST("/login", s.loginHandler)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.app.registry, promhttp.HandlerOpts{})))
	authGroup := r.Group("")
	authGroup.Use(s.jwtAuthMiddleware())
	authGroup.GET("/me", s.meHandler)
	authGroup.POST("/scans", s.createScanHandler)
	authGroup.GET("/scans", s.listScansHandler)
	authGroup.GET("/scans/:id", s.getScanHandler)
	authGroup.POST("/scans/:id/retry", s.retryScanHandler)
	authGroup.POST("/scans/:id/enhance", s.enhanceScanHandler)
	authGroup.POST("/ocr", s.ocrHandler)
	authGroup.POST("/detect", s.detectHandler)
}

func (s *server) jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			c.Abort()
			return
		}
		cl, err := parseToken(s.secret, authHeader[7:])
		if err != nil || cl.UserID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set("user_id", cl.UserID)
		c.Set("username", cl.Username)
		c.Next()
	}
}

func (s *server) registerHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := s.app.users.Register(req.Username, req.Password)
	switch {
	case errors.Is(err, ErrUserExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ErrWeakPassword), errors.Is(err, ErrUsernameRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user registered successfully", "id": user.ID})
}

func (s *server) loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := s.app.users.Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	token, err := issueToken(s.secret, user, s.ttl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "login successful", "token": token})
}

func (s *server) meHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"id": c.GetUint("user_id"), "username": c.GetString("username")})
}

// imageInput is an image taken from a request: either bytes (multipart
// field "image" or JSON "image" as data URI or base64) or a reference
// (JSON "imageUrl").
type imageInput struct {
	data        []byte
	contentType string
	ref         string
}

var errNoImage = errors.New("image is required: send multipart field \"image\" or JSON \"image\"/\"imageUrl\"")

func readImage(c *gin.Context) (imageInput, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("image")
		if err != nil {
			return imageInput{}, errNoImage
		}
		if fh.Size > maxUploadBytes {
			return imageInput{}, errors.New("image too large (max 10MB)")
		}
		f, err := fh.Open()
		if err != nil {
			return imageInput{}, err
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
		if err != nil {
			return imageInput{}, err
		}
		ct := fh.Header.Get("Content-Type")
		if ct == "" || ct == "application/octet-stream" {
			ct = http.DetectContentType(data)
		}
		return imageInput{data: data, contentType: ct}, nil
	}

	var req struct {
		Image    string `json:"image"`
		ImageURL string `json:"imageUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return imageInput{}, errNoImage
	}
	switch {
	case strings.TrimSpace(req.Image) != "":
		data, ct, err := blobstore.DecodeImage(req.Image)
		if err != nil {
			return imageInput{}, err
		}
		return imageInput{data: data, contentType: ct}, nil
	case strings.TrimSpace(req.ImageURL) != "":
		return imageInput{ref: strings.TrimSpace(req.ImageURL)}, nil
	}
	return imageInput{}, errNoImage
}

func (s *server) createScanHandler(c *gin.Context) {
	in, err := readImage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, owner := c.Request.Context(), c.GetUint("user_id")
	var result *models.ScanAttempt
	if in.ref != "" {
		pending, err := s.app.manager.CreateFromReference(ctx, owner, in.ref)
		if err != nil {
			s.fail(c, err)
			return
		}
		result, err = s.app.manager.Process(ctx, pending.ID, owner)
		if err != nil {
			s.fail(c, err)
			return
		}
	} else {
		result, err = s.app.manager.Submit(ctx, owner, in.data, in.contentType)
		if err != nil {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, scanResponse(result))
}

func scanResponse(sc *models.ScanAttempt) gin.H {
	msg := "card identified"
	if sc.Status == models.ScanFailed {
		msg = "card could not be identified; retry or enhance the scan"
	}
	return gin.H{"success": sc.Status == models.ScanIdentified, "scan": sc, "card": sc.Card, "message": msg}
}

func (s *server) listScansHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	limit = scan.EffectiveLimit(limit)
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	offset = max(offset, 0)
	status := models.ScanStatus(c.Query("status"))
	switch status {
	case "", models.ScanPending, models.ScanIdentified, models.ScanFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	scans, err := s.app.manager.List(c.Request.Context(), c.GetUint("user_id"), status, limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans, "limit": limit, "offset": offset})
}

func scanID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scan id"})
		return 0, false
	}
	return uint(id), true
}

func (s *server) getScanHandler(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}
	sc, err := s.app.manager.Get(c.Request.Context(), id, c.GetUint("user_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *server) retryScanHandler(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}
	sc, err := s.app.manager.Retry(c.Request.Context(), id, c.GetUint("user_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, scanResponse(sc))
}

func (s *server) enhanceScanHandler(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}
	var req struct {
		Mode  string       `json:"enhancementMode"`
		Hints models.Hints `json:"manualHints"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	res, err := s.app.enhancer.Enhance(c.Request.Context(), scan.EnhancementRequest{
		ScanID:  id,
		OwnerID: c.GetUint("user_id"),
		Mode:    scan.Mode(req.Mode),
		Hints:   req.Hints,
	})
	if errors.Is(err, scan.ErrEnhanceFailed) {
		s.logger.Warn("enhancement failed", "scan_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "enhancement failed", "message": err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"scan":            res.Scan,
		"card":            res.Scan.Card,
		"candidate":       res.Candidate,
		"reasoning":       res.Reasoning,
		"confidence":      res.Confidence,
		"enhancementMode": res.Scan.Diagnostics.EnhancementMode,
	})
}

// ocrHandler recognizes and classifies an image without storing anything.
func (s *server) ocrHandler(c *gin.Context) {
	img, ok := s.imageBytes(c)
	if !ok {
		return
	}
	id, err := s.app.pipeline.Identify(c.Request.Context(), img, scan.StrategyStandard)
	if err != nil {
		s.logger.Warn("ocr failed", "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ocr": id.Diagnostics(), "candidate": id.Candidate})
}

func (s *server) detectHandler(c *gin.Context) {
	img, ok := s.imageBytes(c)
	if !ok {
		return
	}
	regions, err := detect.Cards(img)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cards": regions, "count": len(regions)})
}

// imageBytes reads the request image, fetching it when given by URL.
func (s *server) imageBytes(c *gin.Context) ([]byte, bool) {
	in, err := readImage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if in.ref == "" {
		return in.data, true
	}
	data, err := s.app.sources.Resolve(c.Request.Context(), in.ref)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return data, true
}

func (s *server) fail(c *gin.Context, err error) {
	status := scan.MapHTTPStatus(err)
	if status == http.StatusInternalServerError {
		status = blobstore.MapHTTPStatus(err)
	}
	if status >= http.StatusInternalServerError {
		s.internalError(c, err)
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *server) internalError(c *gin.Context, err error) {
	s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
