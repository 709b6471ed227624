package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNoDevice         = errors.New("no camera device available")
)

// MediaAccessError reports that the camera could not be acquired. The session
// stays inactive and the caller has to retry Start.
type MediaAccessError struct {
	Reason string
	Err    error
}

func (e *MediaAccessError) Error() string {
	if e.Err == nil {
		return "media access: " + e.Reason
	}
	return fmt.Sprintf("media access: %s: %v", e.Reason, e.Err)
}

func (e *MediaAccessError) Unwrap() error {
	return e.Err
}

// Stream is a live video source bound to an acquired hardware handle.
type Stream interface {
	// Frame returns the most recently decoded frame. ok is false while no
	// frame has been decoded yet.
	Frame() (img image.Image, ok bool)
	Close() error
}

// Device acquires camera hardware.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Session owns the single camera handle of one client.
type Session struct {
	mu     sync.Mutex
	device Device
	stream Stream
	logger *zap.Logger
}

// NewSession creates an inactive session for device.
func NewSession(device Device, logger *zap.Logger) *Session {
	return &Session{device: device, logger: logger.Named("camera")}
}

// Start acquires the camera. A handle that is already held is released first,
// so at most one handle is ever open. On failure the session is inactive.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		s.logger.Debug("releasing previous camera handle before restart")
		s.releaseLocked()
	}

	stream, err := s.device.Open(ctx)
	if err != nil {
		mediaErr := asMediaAccessError(err)
		s.logger.Warn("camera start failed", zap.Error(mediaErr))
		return mediaErr
	}

	s.stream = stream
	s.logger.Info("camera started")
	return nil
}

// Stop releases the camera handle. Stopping an inactive session is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return
	}
	s.releaseLocked()
	s.logger.Info("camera stopped")
}

// Active reports whether a camera handle is currently held.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Stream returns the live source while the session is active.
func (s *Session) Stream() (Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream, s.stream != nil
}

func (s *Session) releaseLocked() {
	if err := s.stream.Close(); err != nil {
		s.logger.Warn("camera release reported an error", zap.Error(err))
	}
	s.stream = nil
}

func asMediaAccessError(err error) *MediaAccessError {
	var mediaErr *MediaAccessError
	if errors.As(err, &mediaErr) {
		return mediaErr
	}

	reason := "camera unavailable"
	switch {
	case errors.Is(err, ErrPermissionDenied):
		reason = "permission denied"
	case errors.Is(err, ErrNoDevice):
		reason = "no camera found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = "camera request aborted"
	}
	return &MediaAccessError{Reason: reason, Err: err}
}
