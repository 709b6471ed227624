package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ImageDevice serves a still image file as a camera. Useful for kiosks without
// hardware and for replaying a captured frame.
type ImageDevice struct {
	Path string
}

func (d *ImageDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", d.Path, ErrNoDevice)
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("open %s: %w", d.Path, ErrPermissionDenied)
		}
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &MediaAccessError{Reason: "unsupported image", Err: err}
	}
	return NewStillStream(img), nil
}

// StillStream always yields the same frame. A nil image behaves like a camera
// that has not produced its first frame.
type StillStream struct {
	img image.Image
}

func NewStillStream(img image.Image) *StillStream {
	return &StillStream{img: img}
}

func (s *StillStream) Frame() (image.Image, bool) {
	return s.img, s.img != nil
}

func (s *StillStream) Close() error { return nil }
