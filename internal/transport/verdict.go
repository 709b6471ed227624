package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// UnrecognizedResponse is the error text of a verdict the client had to
// synthesize because the backend reply carried neither a result nor an error.
const UnrecognizedResponse = "unrecognized response from server"

var ErrInvalidSelection = errors.New("invalid model selection")

// ModelSelection names the detector and recognition model the backend should
// use. Both are forwarded opaquely.
type ModelSelection struct {
	DetectorBackend  string `json:"detector_backend"`
	RecognitionModel string `json:"model_name"`
}

// Validate requires both names and, when option sets are given, membership.
func (s ModelSelection) Validate(detectors, models []string) error {
	switch {
	case s.DetectorBackend == "":
		return fmt.Errorf("%w: detector backend is required", ErrInvalidSelection)
	case s.RecognitionModel == "":
		return fmt.Errorf("%w: recognition model is required", ErrInvalidSelection)
	case len(detectors) > 0 && !slices.Contains(detectors, s.DetectorBackend):
		return fmt.Errorf("%w: detector %q not supported", ErrInvalidSelection, s.DetectorBackend)
	case len(models) > 0 && !slices.Contains(models, s.RecognitionModel):
		return fmt.Errorf("%w: model %q not supported", ErrInvalidSelection, s.RecognitionModel)
	}
	return nil
}

// Verdict is the backend's match decision. Seq orders verdicts within one
// transport; a higher Seq is newer.
type Verdict struct {
	Verified   bool      `json:"verified"`
	Distance   *float64  `json:"distance,omitempty"`
	Error      string    `json:"error,omitempty"`
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
}

// Failed reports whether the backend returned an error instead of a result.
func (v *Verdict) Failed() bool {
	return v.Error != ""
}

type wireVerdict struct {
	Verified *bool    `json:"verified"`
	Distance *float64 `json:"distance"`
	Error    *string  `json:"error"`
}

// DecodeVerdict parses a backend reply. Valid JSON that is neither a result
// nor an error becomes an UnrecognizedResponse verdict.
func DecodeVerdict(raw []byte) (Verdict, error) {
	var wire wireVerdict
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Verdict{}, err
	}

	switch {
	case wire.Error != nil:
		return Verdict{Error: *wire.Error}, nil
	case wire.Verified != nil:
		return Verdict{Verified: *wire.Verified, Distance: wire.Distance}, nil
	default:
		return Verdict{Error: UnrecognizedResponse}, nil
	}
}
