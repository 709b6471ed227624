package controller

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/facecheck/internal/logging"
	"github.com/example/facecheck/internal/transport"
)

// Source names what produced a trigger.
type Source string

const (
	SourceManual   Source = "manual"
	SourcePeriodic Source = "periodic"
	SourceCompare  Source = "compare"
)

// Trigger runs one verification. It is accepted only in Armed; in any other
// state it is rejected without a network call. Manual rejections are shown
// on the display, periodic ones are silent.
//
// In stateless mode the verdict is returned and displayed. In streaming mode
// the frame is sent and Trigger returns a nil verdict; the backend's answer
// arrives later on the channel.
func (c *Controller) Trigger(ctx context.Context, source Source, override *transport.ModelSelection) (*transport.Verdict, error) {
	sel := c.selection
	if override != nil {
		if err := override.Validate(c.detectors, c.models); err != nil {
			c.metrics.Triggers.WithLabelValues(string(source), "rejected").Inc()
			return nil, err
		}
		sel = *override
	}

	c.mu.Lock()
	if err := c.admitLocked(); err != nil {
		if source == SourcePeriodic {
			c.mu.Unlock()
			c.metrics.Triggers.WithLabelValues(string(source), "skipped").Inc()
			return nil, err
		}
		c.showLocked(rejectionText(err))
		c.mu.Unlock()
		c.metrics.Triggers.WithLabelValues(string(source), "rejected").Inc()
		return nil, err
	}
	c.seq++
	token := c.seq
	epoch, refEpoch := c.epoch, c.refEpoch
	c.inFlight = token
	c.mu.Unlock()

	requestID := strconv.FormatUint(token, 10)
	opLogger := logging.WithOperation(c.logger, "controller.trigger", requestID).With(zap.String("source", string(source)))

	stream, _ := c.camera.Stream()
	frame, err := c.sampler.Capture(stream)
	if err != nil {
		c.finish(token, source, "no_frame", err)
		opLogger.Debug("no frame to capture", zap.Error(err))
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	verdict, err := c.transport.VerifyFrame(callCtx, frame, sel)
	c.metrics.VerifyLatency.Observe(time.Since(started).Seconds())

	c.mu.Lock()
	if c.inFlight == token {
		c.inFlight = 0
	}
	current := epoch == c.epoch && refEpoch == c.refEpoch

	switch {
	case !current:
		c.mu.Unlock()
		c.metrics.StaleResults.WithLabelValues("verdict").Inc()
		c.metrics.Triggers.WithLabelValues(string(source), "stale").Inc()
		opLogger.Info("discarding result of a superseded trigger", zap.Error(err))
		return nil, ErrDiscarded
	case err != nil && ctx.Err() != nil:
		c.mu.Unlock()
		c.metrics.Triggers.WithLabelValues(string(source), "canceled").Inc()
		return nil, ctx.Err()
	case err != nil:
		c.showLocked(failureText(err))
		c.mu.Unlock()
		c.metrics.Triggers.WithLabelValues(string(source), "failed").Inc()
		opLogger.Warn("verification failed", zap.Error(err))
		return nil, logging.NewOperationError("controller.trigger", requestID, err)
	case verdict == nil:
		c.mu.Unlock()
		c.metrics.Triggers.WithLabelValues(string(source), "sent").Inc()
		opLogger.Debug("frame sent on verification channel", zap.Int("width", frame.Width), zap.Int("height", frame.Height))
		return nil, nil
	}

	applied := c.applyVerdictLocked(true, token, verdict)
	c.mu.Unlock()
	if !applied {
		c.metrics.Triggers.WithLabelValues(string(source), "stale").Inc()
		return nil, ErrDiscarded
	}

	c.metrics.Triggers.WithLabelValues(string(source), "applied").Inc()
	opLogger.Info("verdict displayed",
		zap.Bool("verified", verdict.Verified),
		zap.String("error", verdict.Error))
	c.recordVerdict(ctx, string(source), sel, verdict)
	return verdict, nil
}

func (c *Controller) admitLocked() error {
	switch {
	case c.disconnected:
		return errors.Join(ErrNotReady, ErrDisconnected)
	case !c.camera.Active():
		return ErrNotReady
	case !c.uploader.Current().Registered:
		return ErrReferenceRequired
	case c.inFlight != 0:
		return ErrBusy
	}
	return nil
}

func (c *Controller) finish(token uint64, source Source, outcome string, err error) {
	c.mu.Lock()
	if c.inFlight == token {
		c.inFlight = 0
	}
	if source != SourcePeriodic {
		c.showLocked(failureText(err))
	}
	c.mu.Unlock()
	c.metrics.Triggers.WithLabelValues(string(source), outcome).Inc()
}

// RunPeriodic attempts a trigger on every tick until ctx is done. Ticks that
// find the controller not Armed or still verifying are skipped.
func (c *Controller) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("periodic sampling started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("periodic sampling stopped")
			return
		case <-ticker.C:
			if _, err := c.Trigger(ctx, SourcePeriodic, nil); err != nil && ctx.Err() == nil {
				c.logger.Debug("periodic trigger skipped", zap.Error(err))
			}
		}
	}
}

// ComparePair verifies a reference and target image directly. It works in
// any state and displays the verdict like a trigger would.
func (c *Controller) ComparePair(ctx context.Context, ref, target []byte, override *transport.ModelSelection) (*transport.Verdict, error) {
	if c.comparer == nil {
		return nil, ErrCompareUnavailable
	}
	sel := c.selection
	if override != nil {
		if err := override.Validate(c.detectors, c.models); err != nil {
			return nil, err
		}
		sel = *override
	}

	c.mu.Lock()
	c.seq++
	token := c.seq
	c.mu.Unlock()

	requestID := strconv.FormatUint(token, 10)
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	verdict, err := c.comparer.VerifyPair(callCtx, ref, target, c.userID, sel)
	c.metrics.VerifyLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		c.show(failureText(err))
		c.metrics.Triggers.WithLabelValues(string(SourceCompare), "failed").Inc()
		return nil, logging.NewOperationError("controller.compare", requestID, err)
	}

	c.mu.Lock()
	applied := c.applyVerdictLocked(true, token, verdict)
	c.mu.Unlock()
	if applied {
		c.metrics.Triggers.WithLabelValues(string(SourceCompare), "applied").Inc()
		c.recordVerdict(ctx, string(SourceCompare), sel, verdict)
	}
	return verdict, nil
}
