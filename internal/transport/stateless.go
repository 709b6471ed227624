package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/facecheck/internal/logging"
	"github.com/example/facecheck/internal/sampler"
)

const maxResponseSize = 1 << 20

// Stateless is the request/response transport: one call, one verdict or error.
type Stateless struct {
	client   *http.Client
	pairURL  string
	frameURL string
	logger   *zap.Logger
	seq      atomic.Uint64
}

// NewStateless creates an HTTP transport for the pairwise and single-frame
// verify endpoints.
func NewStateless(client *http.Client, pairURL, frameURL string, logger *zap.Logger) *Stateless {
	if client == nil {
		client = http.DefaultClient
	}
	return &Stateless{
		client:   client,
		pairURL:  pairURL,
		frameURL: frameURL,
		logger:   logger.Named("stateless_transport"),
	}
}

func (s *Stateless) Mode() Mode { return ModeStateless }

func (s *Stateless) Open(ctx context.Context) error { return nil }

func (s *Stateless) Events() <-chan Event { return nil }

func (s *Stateless) Close() error { return nil }

type frameRequest struct {
	FrameData string `json:"frame_data"`
	ModelSelection
}

type pairRequest struct {
	ReferenceImage string `json:"ref_img"`
	TargetImage    string `json:"target_img"`
	UserID         string `json:"user_id"`
	ModelSelection
}

// VerifyFrame compares one frame with the reference registered on the backend.
func (s *Stateless) VerifyFrame(ctx context.Context, frame *sampler.FramePayload, sel ModelSelection) (*Verdict, error) {
	return s.post(ctx, "transport.verify_frame", s.frameURL, frameRequest{
		FrameData:      frame.DataURL(),
		ModelSelection: sel,
	})
}

// VerifyPair compares two images without touching the registered reference.
func (s *Stateless) VerifyPair(ctx context.Context, reference, target []byte, userID string, sel ModelSelection) (*Verdict, error) {
	return s.post(ctx, "transport.verify_pair", s.pairURL, pairRequest{
		ReferenceImage: sampler.ImageDataURL(reference, ""),
		TargetImage:    sampler.ImageDataURL(target, ""),
		UserID:         userID,
		ModelSelection: sel,
	})
}

func (s *Stateless) post(ctx context.Context, operation, url string, payload any) (*Verdict, error) {
	seq := s.seq.Add(1)
	opLogger := logging.WithOperation(s.logger, operation, strconv.FormatUint(seq, 10))

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, logging.NewOperationError(operation, strconv.FormatUint(seq, 10), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, logging.NewOperationError(operation, strconv.FormatUint(seq, 10), err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		opLogger.Warn("verify request failed", zap.Error(err))
		return nil, &VerifyTransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		opLogger.Warn("verify response truncated", zap.Error(err))
		return nil, &VerifyTransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := http.StatusText(resp.StatusCode)
		if v, err := DecodeVerdict(raw); err == nil && v.Error != "" && v.Error != UnrecognizedResponse {
			reason = v.Error
		}
		opLogger.Warn("backend rejected verify request", zap.Int("status", resp.StatusCode), zap.String("reason", reason))
		return nil, &ServerError{StatusCode: resp.StatusCode, Reason: reason}
	}

	verdict, err := DecodeVerdict(raw)
	if err != nil {
		opLogger.Warn("backend returned a non-JSON verdict", zap.Error(err))
		verdict = Verdict{Error: UnrecognizedResponse}
	}
	verdict.Seq = seq
	verdict.ReceivedAt = time.Now()

	opLogger.Debug("verdict received",
		zap.Bool("verified", verdict.Verified),
		zap.String("error", verdict.Error),
		zap.Duration("latency", time.Since(started)))
	return &verdict, nil
}
