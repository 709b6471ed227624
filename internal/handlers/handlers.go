package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/facecheck/internal/auth"
	"github.com/example/facecheck/internal/camera"
	"github.com/example/facecheck/internal/controller"
	"github.com/example/facecheck/internal/reference"
	"github.com/example/facecheck/internal/sampler"
	"github.com/example/facecheck/internal/sink"
	"github.com/example/facecheck/internal/transport"
)

// MaxUploadSize limits a single uploaded image.
const MaxUploadSize = 10 << 20

const multipartOverhead = 1 << 20

var (
	errUploadTooLarge   = errors.New("image exceeds the upload limit")
	errUnsupportedMedia = errors.New("only image uploads are accepted")
)

// Verifier is the controller as seen by the operator API.
type Verifier interface {
	Status() controller.Status
	Selection() (transport.ModelSelection, []string, []string)
	StartCamera(ctx context.Context) error
	StopCamera()
	UploadReference(ctx context.Context, filename string, data []byte) (reference.Record, error)
	Trigger(ctx context.Context, source controller.Source, override *transport.ModelSelection) (*transport.Verdict, error)
	ComparePair(ctx context.Context, ref, target []byte, override *transport.ModelSelection) (*transport.Verdict, error)
}

// LatestReader reads the cached latest verdict of a session.
type LatestReader interface {
	Latest(ctx context.Context, sessionID string) (*sink.VerdictRecord, error)
}

// HistoryReader lists persisted verdicts of a session.
type HistoryReader interface {
	RecentBySession(ctx context.Context, sessionID string, limit int) ([]*sink.VerificationLog, error)
}

// Options carries the optional parts of the API. A nil Auth leaves the
// mutating routes open.
type Options struct {
	Auth    gin.HandlerFunc
	Metrics http.Handler
	Latest  LatestReader
	History HistoryReader
	Logger  *zap.Logger
}

type api struct {
	verifier Verifier
	latest   LatestReader
	history  HistoryReader
	logger   *zap.Logger
}

// RegisterRoutes wires the operator API to the Gin router.
func RegisterRoutes(router *gin.Engine, v Verifier, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &api{verifier: v, latest: opts.Latest, history: opts.History, logger: logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", h.status)
	router.GET("/options", h.options)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	if h.latest != nil {
		router.GET("/verdicts/latest", h.latestVerdict)
	}
	if h.history != nil {
		router.GET("/verdicts", h.verdictHistory)
	}

	protected := router.Group("/")
	if opts.Auth != nil {
		protected.Use(opts.Auth)
	}
	protected.POST("/camera/start", h.startCamera)
	protected.POST("/camera/stop", h.stopCamera)
	protected.POST("/reference", h.uploadReference)
	protected.POST("/verify", h.verify)
	protected.POST("/compare", h.compare)
}

func (h *api) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.verifier.Status())
}

func (h *api) options(c *gin.Context) {
	sel, detectors, models := h.verifier.Selection()
	c.JSON(http.StatusOK, gin.H{
		"detector_backend": sel.DetectorBackend,
		"model_name":       sel.RecognitionModel,
		"detectors":        detectors,
		"models":           models,
	})
}

func (h *api) startCamera(c *gin.Context) {
	err := h.verifier.StartCamera(c.Request.Context())
	var mediaErr *camera.MediaAccessError
	switch {
	case errors.As(err, &mediaErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": mediaErr.Error(), "reason": mediaErr.Reason})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	h.operatorLog(c).Info("camera started via api")
	c.JSON(http.StatusOK, h.verifier.Status())
}

func (h *api) stopCamera(c *gin.Context) {
	h.verifier.StopCamera()
	h.operatorLog(c).Info("camera stopped via api")
	c.JSON(http.StatusOK, h.verifier.Status())
}

func (h *api) uploadReference(c *gin.Context) {
	limitBody(c)
	filename, data, ok := readImage(c, "file")
	if !ok {
		return
	}

	rec, err := h.verifier.UploadReference(c.Request.Context(), filename, data)
	var rejected *reference.UploadRejectedError
	var transportErr *reference.UploadTransportError
	switch {
	case errors.Is(err, reference.ErrSuperseded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.As(err, &rejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": rejected.Reason, "text": h.verifier.Status().Text})
		return
	case errors.As(err, &transportErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": transportErr.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.operatorLog(c).Info("reference uploaded via api", zap.String("filename", filename), zap.Int("bytes", len(data)))
	c.JSON(http.StatusOK, gin.H{
		"registered": rec.Registered,
		"filename":   rec.Filename,
		"text":       h.verifier.Status().Text,
	})
}

func (h *api) verify(c *gin.Context) {
	var override *transport.ModelSelection
	if c.Request.ContentLength != 0 {
		var sel transport.ModelSelection
		if err := c.ShouldBindJSON(&sel); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid model selection: " + err.Error()})
			return
		} else if err == nil {
			override = &sel
		}
	}

	verdict, err := h.verifier.Trigger(c.Request.Context(), controller.SourceManual, override)
	if err != nil {
		h.verifyError(c, err)
		return
	}
	if verdict == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "sent", "text": h.verifier.Status().Text})
		return
	}
	c.JSON(http.StatusOK, verdictResponse(verdict))
}

func (h *api) compare(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*MaxUploadSize+multipartOverhead)
	_, ref, ok := readImage(c, "reference")
	if !ok {
		return
	}
	_, target, ok := readImage(c, "target")
	if !ok {
		return
	}

	var override *transport.ModelSelection
	detector, model := c.PostForm("detector_backend"), c.PostForm("model_name")
	if detector != "" || model != "" {
		override = &transport.ModelSelection{DetectorBackend: detector, RecognitionModel: model}
	}

	verdict, err := h.verifier.ComparePair(c.Request.Context(), ref, target, override)
	if err != nil {
		h.verifyError(c, err)
		return
	}
	c.JSON(http.StatusOK, verdictResponse(verdict))
}

func (h *api) verifyError(c *gin.Context, err error) {
	var serverErr *transport.ServerError
	var transportErr *transport.VerifyTransportError
	switch {
	case errors.Is(err, controller.ErrNotReady),
		errors.Is(err, controller.ErrReferenceRequired),
		errors.Is(err, controller.ErrBusy),
		errors.Is(err, controller.ErrDiscarded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "text": h.verifier.Status().Text})
	case errors.Is(err, transport.ErrInvalidSelection):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, sampler.ErrNoFrameAvailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, controller.ErrCompareUnavailable):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	case errors.As(err, &serverErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": serverErr.Reason, "text": h.verifier.Status().Text})
	case errors.As(err, &transportErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": transportErr.Error(), "text": h.verifier.Status().Text})
	default:
		h.logger.Error("verification failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *api) latestVerdict(c *gin.Context) {
	sessionID := c.DefaultQuery("session_id", h.verifier.Status().SessionID)
	rec, err := h.latest.Latest(c.Request.Context(), sessionID)
	if errors.Is(err, sink.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no verdict recorded"})
		return
	}
	if err != nil {
		h.logger.Warn("latest verdict lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "latest verdict unavailable"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *api) verdictHistory(c *gin.Context) {
	sessionID := c.DefaultQuery("session_id", h.verifier.Status().SessionID)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}

	logs, err := h.history.RecentBySession(c.Request.Context(), sessionID, limit)
	if err != nil {
		h.logger.Warn("verdict history lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verdict history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "verdicts": logs})
}

func (h *api) operatorLog(c *gin.Context) *zap.Logger {
	operator, _ := auth.OperatorID(c.Request.Context())
	return h.logger.With(zap.String("operator", operator))
}

func verdictResponse(v *transport.Verdict) gin.H {
	return gin.H{
		"verified": v.Verified,
		"distance": v.Distance,
		"error":    v.Error,
		"text":     controller.FormatVerdict(v),
	}
}

func limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
}

// readImage loads one uploaded image part. It writes the error response
// itself and reports whether the handler may continue.
func readImage(c *gin.Context, field string) (string, []byte, bool) {
	file, err := c.FormFile(field)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errUploadTooLarge.Error()})
			return "", nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " image file is required"})
		return "", nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errUploadTooLarge.Error()})
		return "", nil, false
	}

	data, err := readPart(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read " + field + " image"})
		return "", nil, false
	}

	contentType := file.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": errUnsupportedMedia.Error()})
		return "", nil, false
	}
	return file.Filename, data, true
}

func readPart(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
}
