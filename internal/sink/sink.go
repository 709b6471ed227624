package sink

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/facecheck/internal/logging"
)

// VerdictRecord is one applied verdict as handed to recorders.
type VerdictRecord struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Source     string    `json:"source"`
	Verified   bool      `json:"verified"`
	Distance   *float64  `json:"distance,omitempty"`
	Error      string    `json:"error,omitempty"`
	Detector   string    `json:"detector"`
	Model      string    `json:"model"`
	Seq        uint64    `json:"seq"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Recorder persists or forwards verdicts.
type Recorder interface {
	Name() string
	Record(ctx context.Context, rec VerdictRecord) error
}

// Fanout writes every record to all recorders concurrently. A failing
// recorder never blocks the others.
type Fanout struct {
	recorders []Recorder
	logger    *zap.Logger
	onError   func(name string)
}

// NewFanout builds a fanout. onError, when set, is called once per failed write.
func NewFanout(logger *zap.Logger, onError func(name string), recorders ...Recorder) *Fanout {
	return &Fanout{recorders: recorders, logger: logger.Named("sink"), onError: onError}
}

// Len returns the number of configured recorders.
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.recorders)
}

// Record returns the joined errors of all failed recorders.
func (f *Fanout) Record(ctx context.Context, rec VerdictRecord) error {
	if f.Len() == 0 {
		return nil
	}

	errs := make([]error, len(f.recorders))
	var g errgroup.Group
	for i, r := range f.recorders {
		i, r := i, r
		g.Go(func() error {
			if err := r.Record(ctx, rec); err != nil {
				errs[i] = logging.NewOperationError("sink."+r.Name(), rec.SessionID, err)
				f.logger.Warn("verdict recorder failed", zap.String("sink", r.Name()), zap.Error(err))
				if f.onError != nil {
					f.onError(r.Name())
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// retrier retries transient failures with exponential backoff.
type retrier struct {
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func defaultRetrier(logger *zap.Logger) retrier {
	return retrier{
		logger:         logger,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func (r retrier) do(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
