package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/facecheck/internal/sampler"
)

// MatchToken asks the backend to compare the last frame it received with the
// registered reference.
const MatchToken = "match"

const writeTimeout = 5 * time.Second

// State is the lifecycle of a streaming connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Streaming is the persistent websocket transport. Sends are fire-and-forget
// and verdicts arrive on Events at the backend's own cadence.
type Streaming struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	closing bool
	events  chan Event
	done    chan struct{}

	writeMu sync.Mutex
}

// NewStreaming creates a transport for the websocket endpoint at url.
func NewStreaming(url string, dialer *websocket.Dialer, logger *zap.Logger) *Streaming {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Streaming{url: url, dialer: dialer, logger: logger.Named("streaming_transport")}
}

func (s *Streaming) Mode() Mode { return ModeStreaming }

// State returns the current connection state.
func (s *Streaming) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open dials the backend. Opening an open channel is a no-op.
func (s *Streaming) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateOpen || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.mu.Lock()
		s.state = StateErrored
		s.mu.Unlock()
		s.logger.Warn("failed to open verification channel", zap.String("url", s.url), zap.Error(err))
		return &VerifyTransportError{Err: err}
	}

	events := make(chan Event, 16)
	done := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.state = StateOpen
	s.closing = false
	s.events = events
	s.done = done
	s.mu.Unlock()

	s.logger.Info("verification channel open", zap.String("url", s.url))
	go s.readLoop(conn, events, done)
	return nil
}

// Events returns the delivery channel of the current connection.
func (s *Streaming) Events() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// Send writes one text message. There is no acknowledgment.
func (s *Streaming) Send(ctx context.Context, message string) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return &VerifyTransportError{Err: err}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		return &VerifyTransportError{Err: err}
	}
	return nil
}

// VerifyFrame sends the frame followed by the match token. The verdict, if
// any, arrives later on Events.
func (s *Streaming) VerifyFrame(ctx context.Context, frame *sampler.FramePayload, sel ModelSelection) (*Verdict, error) {
	if err := s.Send(ctx, frame.DataURL()); err != nil {
		return nil, err
	}
	if err := s.Send(ctx, MatchToken); err != nil {
		return nil, err
	}
	s.logger.Debug("frame sent for matching",
		zap.Uint64("frame_seq", frame.Seq),
		zap.String("detector", sel.DetectorBackend),
		zap.String("model", sel.RecognitionModel))
	return nil, nil
}

// Close ends the connection from the client side. No closed-by-remote event
// is emitted for a client-initiated close.
func (s *Streaming) Close() error {
	s.mu.Lock()
	conn, done := s.conn, s.done
	if conn == nil || s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := conn.Close()
	<-done

	s.logger.Info("verification channel closed by client")
	return err
}

func (s *Streaming) readLoop(conn *websocket.Conn, events chan<- Event, done chan struct{}) {
	defer close(done)
	defer close(events)

	var seq uint64
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			byClient := s.closing
			if byClient {
				s.state = StateClosed
			} else {
				s.state = StateErrored
			}
			s.conn = nil
			s.mu.Unlock()

			if !byClient {
				s.logger.Warn("verification channel dropped by remote", zap.Error(err))
				s.emit(events, Event{Err: fmt.Errorf("%w: %v", ErrChannelClosedUnexpectedly, err)})
			}
			conn.Close()
			return
		}

		verdict, err := DecodeVerdict(msg)
		if err != nil {
			s.logger.Warn("ignoring malformed verification message", zap.Int("bytes", len(msg)), zap.Error(err))
			s.emit(events, Event{Err: fmt.Errorf("%w: %v", ErrMalformedMessage, err)})
			continue
		}
		seq++
		verdict.Seq = seq
		verdict.ReceivedAt = time.Now()
		s.emit(events, Event{Verdict: &verdict})
	}
}

// emit blocks until the consumer takes the event. It gives up once the
// client starts closing so the read loop can exit.
func (s *Streaming) emit(events chan<- Event, ev Event) {
	for {
		select {
		case events <- ev:
			return
		case <-time.After(100 * time.Millisecond):
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
		}
	}
}
