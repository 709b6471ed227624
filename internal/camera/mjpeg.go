package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// MJPEGDevice reads a multipart/x-mixed-replace JPEG stream, the format most
// IP cameras expose.
type MJPEGDevice struct {
	URL    string
	Client *http.Client
	Logger *zap.Logger
}

// Open connects to the camera and starts decoding frames in the background.
// The returned stream outlives ctx; only Close ends it.
func (d *MJPEGDevice) Open(ctx context.Context) (Stream, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, d.URL, nil)
	if err != nil {
		cancel()
		return nil, &MediaAccessError{Reason: "invalid camera url", Err: err}
	}

	// Abort the dial if the caller gives up before the camera answers.
	stopDial := context.AfterFunc(ctx, cancel)
	resp, err := client.Do(req)
	stopDial()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect camera: %w", errors.Join(ErrNoDevice, err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		cancel()
		return nil, ErrPermissionDenied
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("camera responded with status %d: %w", resp.StatusCode, ErrNoDevice)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, &MediaAccessError{Reason: "camera does not serve an mjpeg stream", Err: err}
	}

	s := &mjpegStream{
		body:   resp.Body,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger.Named("mjpeg"),
	}
	go s.run(multipart.NewReader(resp.Body, params["boundary"]))
	return s, nil
}

type mjpegStream struct {
	latest    atomic.Pointer[image.Image]
	body      io.Closer
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func (s *mjpegStream) run(reader *multipart.Reader) {
	defer close(s.done)
	for {
		part, err := reader.NextPart()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.logger.Debug("mjpeg stream ended", zap.Error(err))
			}
			return
		}
		img, err := jpeg.Decode(part)
		part.Close()
		if err != nil {
			s.logger.Debug("skipping undecodable mjpeg part", zap.Error(err))
			continue
		}
		s.latest.Store(&img)
	}
}

func (s *mjpegStream) Frame() (image.Image, bool) {
	img := s.latest.Load()
	if img == nil {
		return nil, false
	}
	return *img, true
}

func (s *mjpegStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
		<-s.done
	})
	return err
}
