package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"convert-gateway/constant"
	"convert-gateway/dto"
	"convert-gateway/queue"
	"convert-gateway/service"
)

// QueueDependencies is handed to the broker delivery handler.
type QueueDependencies struct {
	Queue *queue.Queue
}

// JobDeliveryHandler lands dispatched job messages in the local work queue.
// A full queue is a handler error, so the delivery is nacked back to the
// broker and retried against this or another instance.
func JobDeliveryHandler(ctx context.Context, msg amqp.Delivery, deps QueueDependencies) error {
	var job dto.JobMessage
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal job message")
		return err
	}

	err := deps.Queue.Enqueue(job.JobId, job.Kind)
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	return err
}

type Handler struct {
	svc            service.Service
	maxUploadBytes int64
}

func New(svc service.Service, maxUploadBytes int64) *Handler {
	return &Handler{
		svc:            svc,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.POST("/media-to-text", h.MediaToText)
	api.POST("/text-to-audio", h.TextToAudio)
	api.GET("/status/:id", h.Status)
	api.GET("/download/:id", h.Download)
	api.DELETE("/jobs/:id", h.Cancel)
	api.GET("/supported-formats", h.SupportedFormats)
	api.GET("/supported-languages", h.SupportedLanguages)
}

func (h *Handler) MediaToText(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	defer file.Close()

	// One extra byte so an oversized upload is detected here, not trusted
	// from the multipart header.
	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file size exceeds limit"})
		return
	}

	job, err := h.svc.Submit(c.Request.Context(), constant.JobKindMediaToText, data, service.SubmitOptions{
		Filename: header.Filename,
	})
	if err != nil {
		h.submitError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewJobResponse(job))
}

func (h *Handler) TextToAudio(c *gin.Context) {
	var req dto.TextToAudioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.svc.Submit(c.Request.Context(), constant.JobKindTextToAudio, []byte(req.Text), service.SubmitOptions{
		Filename: req.Filename,
		Voice:    req.VoiceType,
		Language: req.Language,
	})
	if err != nil {
		h.submitError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewJobResponse(job))
}

func (h *Handler) Status(c *gin.Context) {
	id, ok := h.jobId(c)
	if !ok {
		return
	}

	job, err := h.svc.Status(c.Request.Context(), id)
	if errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, dto.NewJobResponse(job))
}

func (h *Handler) Download(c *gin.Context) {
	id, ok := h.jobId(c)
	if !ok {
		return
	}

	result, err := h.svc.Result(c.Request.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrPending):
		c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
		return
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	default:
		var failed *service.ResultFailedError
		if errors.As(err, &failed) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": failed.Reason})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, retry later"})
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, result.ContentType, result.Data)
}

func (h *Handler) Cancel(c *gin.Context) {
	id, ok := h.jobId(c)
	if !ok {
		return
	}

	err := h.svc.Cancel(c.Request.Context(), id)
	if errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel requested"})
}

func (h *Handler) SupportedFormats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"audio_formats": []string{"mp3", "wav", "flac", "aac", "ogg", "wma", "m4a"},
		"video_formats": []string{"mp4", "avi", "mov", "mkv", "flv", "wmv", "webm"},
		"max_file_size": h.maxUploadBytes,
	})
}

func (h *Handler) SupportedLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"languages": map[string]string{
			"en": "English", "es": "Spanish", "fr": "French", "de": "German",
			"it": "Italian", "pt": "Portuguese", "ru": "Russian", "ja": "Japanese",
			"ko": "Korean", "zh": "Chinese", "ar": "Arabic", "hi": "Hindi",
			"tr": "Turkish", "pl": "Polish", "nl": "Dutch", "sv": "Swedish",
			"da": "Danish", "no": "Norwegian", "fi": "Finnish",
		},
		"voice_types":     []string{constant.VoiceMale, constant.VoiceFemale},
		"max_text_length": 5000,
	})
}

func (h *Handler) jobId(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) submitError(c *gin.Context, err error) {
	var invalid *service.ValidationError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": invalid.Reason})
		return
	}
	if errors.Is(err, service.ErrQueueFull) {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue full, retry later"})
		return
	}
	zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("submission failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
