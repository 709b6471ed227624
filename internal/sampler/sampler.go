package sampler

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
)

const dataURLPrefix = "data:image/jpeg;base64,"

// ErrNoFrameAvailable means the source has not decoded a frame yet. Callers
// should simply try again later.
var ErrNoFrameAvailable = errors.New("no frame available yet")

// Source is anything that can hand out its current video frame.
type Source interface {
	Frame() (image.Image, bool)
}

// FramePayload is one encoded still image. It is consumed by exactly one
// transport call.
type FramePayload struct {
	Seq        uint64
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// DataURL renders the payload the way the backend expects inline images.
func (p *FramePayload) DataURL() string {
	return EncodeDataURL(p.Data)
}

// Sampler draws frames into an off-screen buffer and encodes them as JPEG.
type Sampler struct {
	quality int
	seq     atomic.Uint64
	now     func() time.Time
}

// New returns a sampler encoding at the given JPEG quality (1-100).
func New(quality int) *Sampler {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Sampler{quality: quality, now: time.Now}
}

// Capture encodes the current frame of src. The payload keeps the native
// dimensions of the frame. Capture never touches the camera lifecycle.
func (s *Sampler) Capture(src Source) (*FramePayload, error) {
	if src == nil {
		return nil, ErrNoFrameAvailable
	}
	frame, ok := src.Frame()
	if !ok || frame == nil || frame.Bounds().Empty() {
		return nil, ErrNoFrameAvailable
	}

	bounds := frame.Bounds()
	raster := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Copy(raster, image.Point{}, frame, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, raster, &jpeg.Options{Quality: s.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	return &FramePayload{
		Seq:        s.seq.Add(1),
		Data:       buf.Bytes(),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		CapturedAt: s.now(),
	}, nil
}

// EncodeDataURL wraps JPEG bytes in a base64 data URL.
func EncodeDataURL(data []byte) string {
	return dataURLPrefix + base64.StdEncoding.EncodeToString(data)
}

// ImageDataURL wraps arbitrary image bytes in a data URL. An empty mediaType
// is sniffed from the content.
func ImageDataURL(data []byte, mediaType string) string {
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
