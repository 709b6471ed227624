package reference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/facecheck/internal/logging"
)

// ErrSuperseded is returned for an upload whose response arrived after a newer
// file had already been selected. Its result is discarded.
var ErrSuperseded = errors.New("reference upload superseded by a newer selection")

// UploadRejectedError carries the backend's reason for refusing a reference.
type UploadRejectedError struct {
	StatusCode int
	Reason     string
}

func (e *UploadRejectedError) Error() string {
	return fmt.Sprintf("reference rejected (status %d): %s", e.StatusCode, e.Reason)
}

// UploadTransportError means no response was received at all.
type UploadTransportError struct {
	Err error
}

func (e *UploadTransportError) Error() string {
	return "reference upload failed: " + e.Err.Error()
}

func (e *UploadTransportError) Unwrap() error {
	return e.Err
}

// Record is the client's view of the server-side reference.
type Record struct {
	Registered bool
	Filename   string
	Preview    []byte
	Seq        uint64
	UpdatedAt  time.Time
}

// Uploader registers reference images with the backend. The record is a
// single slot: a newer selection always wins over older in-flight uploads,
// whatever order their responses arrive in.
type Uploader struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger

	mu      sync.Mutex
	issued  uint64
	current Record
}

// NewUploader creates an uploader posting to endpoint.
func NewUploader(endpoint string, client *http.Client, logger *zap.Logger) *Uploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Uploader{endpoint: endpoint, client: client, logger: logger.Named("reference")}
}

// Current returns a snapshot of the reference slot.
func (u *Uploader) Current() Record {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current
}

// Upload sends data as the new reference. Selecting the file clears any
// previous registration until the backend acknowledges this one.
func (u *Uploader) Upload(ctx context.Context, filename string, data []byte) (Record, error) {
	u.mu.Lock()
	u.issued++
	seq := u.issued
	u.current = Record{Filename: filename, Preview: data, Seq: seq, UpdatedAt: time.Now()}
	u.mu.Unlock()

	requestID := strconv.FormatUint(seq, 10)
	opLogger := logging.WithOperation(u.logger, "reference.upload", requestID)

	err := u.post(ctx, filename, data)

	u.mu.Lock()
	defer u.mu.Unlock()

	if seq != u.issued {
		opLogger.Info("discarding stale upload result", zap.Uint64("latest_seq", u.issued), zap.Error(err))
		return u.current, ErrSuperseded
	}

	u.current.UpdatedAt = time.Now()
	if err != nil {
		u.current.Registered = false
		opLogger.Warn("reference upload failed", zap.Error(err))
		return u.current, err
	}

	u.current.Registered = true
	opLogger.Info("reference registered", zap.String("filename", filename), zap.Int("bytes", len(data)))
	return u.current, nil
}

type uploadResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (u *Uploader) post(ctx context.Context, filename string, data []byte) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", http.DetectContentType(data))
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return &UploadTransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &UploadTransportError{Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var decoded uploadResponse
	reason := http.StatusText(resp.StatusCode)
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error != "" {
		reason = decoded.Error
	}
	return &UploadRejectedError{StatusCode: resp.StatusCode, Reason: reason}
}
