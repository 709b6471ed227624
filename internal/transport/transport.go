package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/facecheck/internal/sampler"
)

type Mode string

const (
	ModeStateless Mode = "stateless"
	ModeStreaming Mode = "streaming"
)

var (
	ErrChannelClosedUnexpectedly = errors.New("verification channel closed by remote")
	ErrNotOpen                   = errors.New("verification channel is not open")
	ErrMalformedMessage          = errors.New("malformed verification message")
)

// VerifyTransportError is a network level failure of a verify call.
type VerifyTransportError struct {
	Err error
}

func (e *VerifyTransportError) Error() string {
	return "verify request failed: " + e.Err.Error()
}

func (e *VerifyTransportError) Unwrap() error {
	return e.Err
}

// ServerError is a non-success HTTP reply from the backend.
type ServerError struct {
	StatusCode int
	Reason     string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Reason)
}

// Event is something the streaming channel delivered without being asked.
// Exactly one of Verdict and Err is set. An Err wrapping
// ErrChannelClosedUnexpectedly is always the last event.
type Event struct {
	Verdict *Verdict
	Err     error
}

// Transport delivers frames to the backend. Stateless transports answer
// VerifyFrame with a verdict. Streaming transports return a nil verdict and
// deliver verdicts on Events, uncorrelated with sends.
type Transport interface {
	Mode() Mode
	Open(ctx context.Context) error
	VerifyFrame(ctx context.Context, frame *sampler.FramePayload, sel ModelSelection) (*Verdict, error)
	// Events is nil for transports without unsolicited delivery. It is
	// closed when the channel ends.
	Events() <-chan Event
	Close() error
}
