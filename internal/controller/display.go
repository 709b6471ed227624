package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/facecheck/internal/reference"
	"github.com/example/facecheck/internal/sampler"
	"github.com/example/facecheck/internal/transport"
)

// State is derived from the facts the controller tracks, never stored.
type State int

const (
	StateIdle State = iota
	StateCameraReady
	StateArmed
	StateVerifying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCameraReady:
		return "camera_ready"
	case StateArmed:
		return "armed"
	case StateVerifying:
		return "verifying"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Display is what the operator sees: the last message and, when the message
// came from the backend, the verdict behind it.
type Display struct {
	Text      string             `json:"text"`
	Verdict   *transport.Verdict `json:"verdict,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Status is a consistent snapshot of the controller.
type Status struct {
	SessionID           string             `json:"session_id"`
	State               State              `json:"state"`
	CameraActive        bool               `json:"camera_active"`
	ReferenceRegistered bool               `json:"reference_registered"`
	Reference           string             `json:"reference,omitempty"`
	Disconnected        bool               `json:"disconnected"`
	Mode                transport.Mode     `json:"mode"`
	Text                string             `json:"text"`
	Verdict             *transport.Verdict `json:"verdict,omitempty"`
}

// FormatVerdict renders a verdict as display text.
func FormatVerdict(v *transport.Verdict) string {
	if v == nil {
		return transport.UnrecognizedResponse
	}
	if v.Failed() {
		return "Error: " + v.Error
	}

	distance := "N/A"
	if v.Distance != nil {
		distance = fmt.Sprintf("%.4f", *v.Distance)
	}
	if v.Verified {
		return fmt.Sprintf("MATCH (distance: %s)", distance)
	}
	return fmt.Sprintf("NO MATCH (distance: %s)", distance)
}

func verdictResult(v *transport.Verdict) string {
	switch {
	case v.Failed():
		return "error"
	case v.Verified:
		return "match"
	default:
		return "no_match"
	}
}

func rejectionText(err error) string {
	switch {
	case errors.Is(err, ErrDisconnected):
		return "Not ready: connection lost, restart the camera"
	case errors.Is(err, ErrNotReady):
		return "Not ready: start the camera first"
	case errors.Is(err, ErrReferenceRequired):
		return "Reference required: upload a reference image first"
	case errors.Is(err, ErrBusy):
		return "Busy: a verification is already in progress"
	default:
		return "Not ready: " + err.Error()
	}
}

func failureText(err error) string {
	var serverErr *transport.ServerError
	var transportErr *transport.VerifyTransportError
	var rejected *reference.UploadRejectedError
	var uploadErr *reference.UploadTransportError
	switch {
	case errors.As(err, &serverErr):
		return "server error: " + serverErr.Reason
	case errors.As(err, &transportErr):
		return "connection error: " + transportErr.Err.Error()
	case errors.As(err, &rejected):
		return "Upload failed: " + rejected.Reason
	case errors.As(err, &uploadErr):
		return "Upload failed: " + uploadErr.Err.Error()
	case errors.Is(err, sampler.ErrNoFrameAvailable):
		return "No frame available yet"
	default:
		return "Error: " + err.Error()
	}
}
