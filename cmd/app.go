package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/facecheck/internal/camera"
	"github.com/example/facecheck/internal/config"
	"github.com/example/facecheck/internal/controller"
	"github.com/example/facecheck/internal/metrics"
	"github.com/example/facecheck/internal/reference"
	"github.com/example/facecheck/internal/sampler"
	"github.com/example/facecheck/internal/sink"
	"github.com/example/facecheck/internal/transport"
)

// app is one fully wired client session.
type app struct {
	controller *controller.Controller
	stateless  *transport.Stateless
	metrics    *metrics.Metrics
	latest     *sink.LatestVerdictCache
	history    *sink.VerificationRepository

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{metrics: metrics.New()}
	client := &http.Client{Timeout: cfg.Backend.RequestTimeout}

	a.stateless = transport.NewStateless(client,
		cfg.Backend.Endpoint(cfg.Backend.PairPath),
		cfg.Backend.Endpoint(cfg.Backend.FramePath),
		logger)

	var tr transport.Transport = a.stateless
	if cfg.Streaming() {
		dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		tr = transport.NewStreaming(cfg.Backend.StreamURL, dialer, logger)
	}

	recorders, err := a.openSinks(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	fanout := sink.NewFanout(logger, func(name string) {
		a.metrics.SinkErrors.WithLabelValues(name).Inc()
	}, recorders...)

	opts := controller.Options{
		Selection: transport.ModelSelection{
			DetectorBackend:  cfg.Models.Detector,
			RecognitionModel: cfg.Models.Model,
		},
		Detectors:      cfg.Models.Detectors,
		Models:         cfg.Models.Models,
		UserID:         cfg.UserID,
		RequestTimeout: cfg.Backend.RequestTimeout,
		Comparer:       a.stateless,
		Metrics:        a.metrics,
	}
	if fanout.Len() > 0 {
		opts.Recorder = fanout
	}

	a.controller = controller.New(
		camera.NewSession(newDevice(cfg, logger), logger),
		sampler.New(cfg.Camera.JPEGQuality),
		reference.NewUploader(cfg.Backend.Endpoint(cfg.Backend.UploadPath), client, logger),
		tr,
		opts,
		logger,
	)
	return a, nil
}

func newDevice(cfg *config.Config, logger *zap.Logger) camera.Device {
	if cfg.Camera.URL != "" {
		// No client timeout: the stream stays open for the whole session.
		return &camera.MJPEGDevice{URL: cfg.Camera.URL, Client: &http.Client{}, Logger: logger}
	}
	return &camera.ImageDevice{Path: cfg.Camera.Image}
}

func (a *app) openSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]sink.Recorder, error) {
	var recorders []sink.Recorder
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if cfg.Sinks.RedisAddr != "" {
		client, err := sink.DialRedis(dialCtx, cfg.Sinks.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.latest = sink.NewLatestVerdictCache(sink.NewRedisCache(client), cfg.Sinks.RedisTTL, logger)
		recorders = append(recorders, a.latest)
	}

	if cfg.Sinks.DatabaseDSN != "" {
		db, err := sink.OpenDatabase(dialCtx, cfg.Sinks.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, func() { _ = sqlDB.Close() })
		}
		a.history = sink.NewVerificationRepository(db, logger)
		if err := a.history.AutoMigrate(dialCtx); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		recorders = append(recorders, a.history)
	}

	if cfg.Sinks.MQTTBroker != "" {
		client, err := sink.DialMQTT(cfg.Sinks.MQTTBroker, "facecheck-"+uuid.NewString(), logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Disconnect(250) })
		recorders = append(recorders, sink.NewMQTTPublisher(client, cfg.Sinks.MQTTTopic, logger))
	}

	for _, r := range recorders {
		logger.Info("verdict sink enabled", zap.String("sink", r.Name()))
	}
	return recorders, nil
}

// Close releases the camera and all sink connections.
func (a *app) Close() {
	if a.controller != nil {
		a.controller.StopCamera()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) selection(detector, model string) *transport.ModelSelection {
	if detector == "" && model == "" {
		return nil
	}
	sel, _, _ := a.controller.Selection()
	if detector != "" {
		sel.DetectorBackend = detector
	}
	if model != "" {
		sel.RecognitionModel = model
	}
	return &sel
}
