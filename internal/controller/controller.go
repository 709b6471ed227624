package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/facecheck/internal/camera"
	"github.com/example/facecheck/internal/logging"
	"github.com/example/facecheck/internal/metrics"
	"github.com/example/facecheck/internal/reference"
	"github.com/example/facecheck/internal/sampler"
	"github.com/example/facecheck/internal/sink"
	"github.com/example/facecheck/internal/transport"
)

var (
	ErrNotReady          = errors.New("not ready: camera is not active")
	ErrReferenceRequired = errors.New("reference required: no reference image is registered")
	ErrBusy              = errors.New("a verification is already in flight")
	ErrDisconnected      = errors.New("verification channel disconnected")
	// ErrDiscarded is returned when a result arrived after the camera was
	// stopped or the reference changed. Nothing was displayed.
	ErrDiscarded          = errors.New("result discarded: superseded by a newer state")
	ErrCompareUnavailable = errors.New("pairwise comparison is not configured")
)

// Camera is the part of camera.Session the controller drives.
type Camera interface {
	Start(ctx context.Context) error
	Stop()
	Active() bool
	Stream() (camera.Stream, bool)
}

// ReferenceStore registers reference images with the backend.
type ReferenceStore interface {
	Upload(ctx context.Context, filename string, data []byte) (reference.Record, error)
	Current() reference.Record
}

// FrameCapturer turns the current frame of a source into a payload.
type FrameCapturer interface {
	Capture(src sampler.Source) (*sampler.FramePayload, error)
}

// PairVerifier compares two images without the registered reference.
type PairVerifier interface {
	VerifyPair(ctx context.Context, reference, target []byte, userID string, sel transport.ModelSelection) (*transport.Verdict, error)
}

// VerdictRecorder receives every verdict that reaches the display.
type VerdictRecorder interface {
	Record(ctx context.Context, rec sink.VerdictRecord) error
}

// Options configures a Controller. Zero values fall back to defaults.
type Options struct {
	Selection      transport.ModelSelection
	Detectors      []string
	Models         []string
	UserID         string
	RequestTimeout time.Duration
	Comparer       PairVerifier
	Recorder       VerdictRecorder
	Metrics        *metrics.Metrics
}

// Controller is the verification state machine of one client session.
//
// The state is derived: no camera means Idle, a call in flight means
// Verifying, a registered reference means Armed, anything else CameraReady.
// Results are applied only if the camera epoch and the reference epoch they
// were issued under are still current, and only if no newer verdict has
// been displayed.
type Controller struct {
	camera    Camera
	sampler   FrameCapturer
	uploader  ReferenceStore
	transport transport.Transport
	comparer  PairVerifier
	recorder  VerdictRecorder
	metrics   *metrics.Metrics
	logger    *zap.Logger

	sessionID string
	userID    string
	selection transport.ModelSelection
	detectors []string
	models    []string
	timeout   time.Duration

	// lifecycle serializes camera start and stop.
	lifecycle  sync.Mutex
	eventsDone chan struct{}

	mu           sync.Mutex
	epoch        uint64
	refEpoch     uint64
	seq          uint64
	inFlight     uint64
	shownVerdict uint64
	disconnected bool
	display      Display
}

// New wires a controller. The transport is fixed for the controller's lifetime.
func New(cam Camera, capturer FrameCapturer, uploader ReferenceStore, tr transport.Transport, opts Options, logger *zap.Logger) *Controller {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	userID := opts.UserID
	if userID == "" {
		userID = "web-user"
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Controller{
		camera:    cam,
		sampler:   capturer,
		uploader:  uploader,
		transport: tr,
		comparer:  opts.Comparer,
		recorder:  opts.Recorder,
		metrics:   m,
		sessionID: uuid.NewString(),
		userID:    userID,
		selection: opts.Selection,
		detectors: opts.Detectors,
		models:    opts.Models,
		timeout:   timeout,
	}
	c.logger = logger.Named("controller").With(zap.String("session_id", c.sessionID))
	c.display = Display{Text: "Camera off", UpdatedAt: time.Now()}
	return c
}

// SessionID identifies this controller in logs and verdict records.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Selection returns the default model selection and the option sets.
func (c *Controller) Selection() (transport.ModelSelection, []string, []string) {
	return c.selection, c.detectors, c.models
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	switch {
	case !c.camera.Active():
		return StateIdle
	case c.inFlight != 0:
		return StateVerifying
	case c.uploader.Current().Registered:
		return StateArmed
	default:
		return StateCameraReady
	}
}

// Status returns a snapshot for the operator surface.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := c.uploader.Current()
	return Status{
		SessionID:           c.sessionID,
		State:               c.stateLocked(),
		CameraActive:        c.camera.Active(),
		ReferenceRegistered: ref.Registered,
		Reference:           ref.Filename,
		Disconnected:        c.disconnected,
		Mode:                c.transport.Mode(),
		Text:                c.display.Text,
		Verdict:             c.display.Verdict,
	}
}

// Display returns the current display.
func (c *Controller) Display() Display {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display
}

func (c *Controller) showLocked(text string) {
	c.display = Display{Text: text, UpdatedAt: time.Now()}
}

func (c *Controller) show(text string) {
	c.mu.Lock()
	c.showLocked(text)
	c.mu.Unlock()
}

// StartCamera acquires the camera and, in streaming mode, opens the
// verification channel. Any result still in flight from before loses its
// relevance.
func (c *Controller) StartCamera(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	c.epoch++
	c.inFlight = 0
	c.mu.Unlock()

	c.closeTransport()

	if err := c.camera.Start(ctx); err != nil {
		var mediaErr *camera.MediaAccessError
		text := "Camera error: " + err.Error()
		if errors.As(err, &mediaErr) {
			text = "Camera error: " + mediaErr.Reason
		}
		c.show(text)
		return err
	}

	if err := c.transport.Open(ctx); err != nil {
		c.camera.Stop()
		c.show(failureText(err))
		c.logger.Warn("verification channel unavailable, camera released", zap.Error(err))
		return err
	}

	c.mu.Lock()
	epoch := c.epoch
	c.disconnected = false
	if c.uploader.Current().Registered {
		c.showLocked("Camera started, ready to verify")
	} else {
		c.showLocked("Camera started, upload a reference image")
	}
	c.mu.Unlock()

	if events := c.transport.Events(); events != nil {
		done := make(chan struct{})
		c.eventsDone = done
		go c.consumeEvents(epoch, events, done)
	}

	c.logger.Info("camera started", zap.String("mode", string(c.transport.Mode())))
	return nil
}

// StopCamera releases the camera from any state and closes a streaming
// channel. Verdicts arriving afterwards are discarded.
func (c *Controller) StopCamera() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	c.epoch++
	c.inFlight = 0
	c.disconnected = false
	c.mu.Unlock()

	c.camera.Stop()
	c.closeTransport()
	c.logger.Info("camera stopped")
}

// closeTransport must not be called with c.mu held: the event consumer
// needs the lock to drain the channel.
func (c *Controller) closeTransport() {
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("closing verification channel failed", zap.Error(err))
	}
	if c.eventsDone != nil {
		<-c.eventsDone
		c.eventsDone = nil
	}
}

func (c *Controller) consumeEvents(epoch uint64, events <-chan transport.Event, done chan struct{}) {
	defer close(done)

	for ev := range events {
		switch {
		case ev.Verdict != nil:
			c.mu.Lock()
			c.seq++
			applied := c.applyVerdictLocked(epoch == c.epoch, c.seq, ev.Verdict)
			c.mu.Unlock()
			if applied {
				c.recordVerdict(context.Background(), "stream", c.selection, ev.Verdict)
			}
		case errors.Is(ev.Err, transport.ErrChannelClosedUnexpectedly):
			c.handleDisconnect(epoch, ev.Err)
		case ev.Err != nil:
			c.logger.Warn("ignoring bad message from verification channel", zap.Error(ev.Err))
		}
	}
}

// handleDisconnect puts the controller in a disconnected Idle state. The
// camera is released; the operator has to start it again.
func (c *Controller) handleDisconnect(epoch uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.epoch {
		return
	}
	c.epoch++
	c.inFlight = 0
	c.disconnected = true
	c.showLocked("Connection lost: verification channel closed by server")
	c.camera.Stop()
	c.logger.Warn("verification channel lost, camera released", zap.Error(cause))
}

// UploadReference registers a new reference image. Selecting it clears the
// previous registration, so the controller leaves Armed until the backend
// acknowledges. A result superseded by a newer upload returns
// reference.ErrSuperseded and changes nothing.
func (c *Controller) UploadReference(ctx context.Context, filename string, data []byte) (reference.Record, error) {
	c.mu.Lock()
	c.refEpoch++
	c.showLocked(fmt.Sprintf("Uploading reference %s", filename))
	c.mu.Unlock()

	rec, err := c.uploader.Upload(ctx, filename, data)
	switch {
	case errors.Is(err, reference.ErrSuperseded):
		c.metrics.Uploads.WithLabelValues("superseded").Inc()
		c.metrics.StaleResults.WithLabelValues("reference").Inc()
		return rec, err
	case err != nil:
		c.metrics.Uploads.WithLabelValues("failed").Inc()
		c.show(failureText(err))
		return rec, logging.NewOperationError("controller.upload_reference", c.sessionID, err)
	}

	c.metrics.Uploads.WithLabelValues("registered").Inc()
	c.mu.Lock()
	if c.camera.Active() {
		c.showLocked(fmt.Sprintf("Reference %s registered, ready to verify", filename))
	} else {
		c.showLocked(fmt.Sprintf("Reference %s registered, start the camera", filename))
	}
	c.mu.Unlock()
	return rec, nil
}

// applyVerdictLocked displays v if it is current and newer than what is
// shown.
func (c *Controller) applyVerdictLocked(current bool, seq uint64, v *transport.Verdict) bool {
	if !current {
		c.metrics.StaleResults.WithLabelValues("verdict").Inc()
		c.logger.Debug("discarding verdict from a previous state", zap.Uint64("seq", seq))
		return false
	}
	if seq <= c.shownVerdict {
		c.metrics.StaleResults.WithLabelValues("display").Inc()
		c.logger.Debug("discarding verdict older than the displayed one",
			zap.Uint64("seq", seq), zap.Uint64("shown", c.shownVerdict))
		return false
	}

	c.shownVerdict = seq
	verdict := *v
	c.display = Display{Text: FormatVerdict(v), Verdict: &verdict, UpdatedAt: time.Now()}
	c.metrics.Verdicts.WithLabelValues(verdictResult(v)).Inc()
	return true
}

func (c *Controller) recordVerdict(ctx context.Context, source string, sel transport.ModelSelection, v *transport.Verdict) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	rec := sink.VerdictRecord{
		SessionID:  c.sessionID,
		UserID:     c.userID,
		Source:     source,
		Verified:   v.Verified,
		Distance:   v.Distance,
		Error:      v.Error,
		Detector:   sel.DetectorBackend,
		Model:      sel.RecognitionModel,
		Seq:        v.Seq,
		RecordedAt: time.Now().UTC(),
	}
	if err := c.recorder.Record(ctx, rec); err != nil {
		c.logger.Warn("verdict not recorded", zap.Error(err))
	}
}
