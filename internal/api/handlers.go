package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cutout/internal/models"
	"cutout/internal/service/cutout"
)

// multipartOverhead is the slack allowed on top of the file size for the
// multipart framing before the request body is cut off.
const multipartOverhead = 1 << 20

// Processor is the image pipeline the routes call into.
type Processor interface {
	Upload(ctx context.Context, in cutout.UploadInput) (*models.UploadRecord, error)
	Process(ctx context.Context, id string, deliver cutout.DeliverFunc) error
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
	Health(ctx context.Context) (json.RawMessage, error)
	MaxUploadBytes() int64
}

// Handler wires HTTP routes to the image pipeline.
type Handler struct {
	service      Processor
	prefix       string
	defaultHours float64
	logger       zerolog.Logger
}

// NewHandler constructs a Handler. Routes are mounted under prefix; /cleanup
// falls back to defaultHours when the body names none.
func NewHandler(service Processor, prefix string, defaultHours float64, logger zerolog.Logger) *Handler {
	if defaultHours <= 0 {
		defaultHours = cutout.DefaultSweepMaxAge.Hours()
	}
	return &Handler{
		service:      service,
		prefix:       "/" + strings.Trim(prefix, "/"),
		defaultHours: defaultHours,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Backend running")
	})
	image := router.Group(h.prefix)
	image.POST("/upload", h.uploadImage)
	image.POST("/process", h.processImage)
	image.GET("/health", h.health)
	image.POST("/cleanup", h.cleanup)
}

func (h *Handler) uploadImage(c *gin.Context) {
	limit := h.service.MaxUploadBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large"):
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("File too large. Maximum size is %s", units.BytesSize(float64(limit)))})
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "File upload error"})
		}
		return
	}
	f, err := file.Open()
	if err != nil {
		h.logger.Error().Err(err).Msg("open multipart file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload file"})
		return
	}
	defer f.Close()

	record, err := h.service.Upload(c.Request.Context(), cutout.UploadInput{
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Size:        file.Size,
		Body:        f,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"uploadId": record.ID,
		"filename": record.StoredFilename,
		"message":  "File uploaded successfully",
	})
}

type processRequest struct {
	UploadID string `json:"uploadId"`
}

func (h *Handler) processImage(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := h.service.Process(c.Request.Context(), req.UploadID, func(d cutout.Download) error {
		c.Header("Content-Type", d.ContentType)
		c.Header("Content-Length", strconv.FormatInt(d.Size, 10))
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, d.Filename))
		c.Status(http.StatusOK)
		_, err := io.Copy(c.Writer, d.Body)
		return err
	})
	if err == nil {
		return
	}
	if c.Writer.Written() {
		// the download already started; the status cannot change now
		h.logger.Warn().Err(err).Str("upload_id", req.UploadID).Msg("download interrupted")
		return
	}
	h.writeError(c, err)
}

func (h *Handler) health(c *gin.Context) {
	payload, err := h.service.Health(c.Request.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("ai service health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  "AI service unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"aiService": payload,
	})
}

type cleanupRequest struct {
	Hours *float64 `json:"hours"`
}

func (h *Handler) cleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	hours := h.defaultHours
	if req.Hours != nil {
		hours = *req.Hours
	}
	maxAge, err := cutout.HoursToAge(hours)
	if err != nil {
		h.writeError(c, err)
		return
	}
	deleted, err := h.service.Sweep(c.Request.Context(), maxAge)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"deletedCount": deleted,
		"message":      fmt.Sprintf("Deleted %d files older than %s hours", deleted, strconv.FormatFloat(hours, 'f', -1, 64)),
	})
}

// writeError renders a pipeline error as {"error": "..."}.
func (h *Handler) writeError(c *gin.Context, err error) {
	e := cutout.AsError(err)
	if e.Status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Stringer("kind", e.Kind).Int("status", e.Status).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(e.Status, gin.H{"error": e.Message})
}
