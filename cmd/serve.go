package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/facecheck/internal/auth"
	"github.com/example/facecheck/internal/handlers"
)

var (
	serveStartCamera bool
	serveReference   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator API and, if configured, periodic sampling",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveStartCamera, "start-camera", false, "start the camera on boot")
	serveCmd.Flags().StringVar(&serveReference, "reference", "", "reference image to register on boot")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveReference != "" {
		data, err := os.ReadFile(serveReference)
		if err != nil {
			return fmt.Errorf("read reference: %w", err)
		}
		if _, err := a.controller.UploadReference(ctx, filepath.Base(serveReference), data); err != nil {
			return err
		}
	}
	if serveStartCamera {
		if err := a.controller.StartCamera(ctx); err != nil {
			return err
		}
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = handlers.MaxUploadSize

	opts := handlers.Options{Metrics: a.metrics.Handler(), Logger: logger}
	if cfg.Server.JWTSecret != "" {
		opts.Auth = auth.JWTMiddleware(cfg.Server.JWTSecret, cfg.Server.JWTAudience)
	} else {
		logger.Warn("JWT_SECRET is empty, operator routes are unauthenticated")
	}
	if a.latest != nil {
		opts.Latest = a.latest
	}
	if a.history != nil {
		opts.History = a.history
	}
	handlers.RegisterRoutes(router, a.controller, opts)

	samplingCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()
	if cfg.Camera.SampleInterval > 0 {
		go a.controller.RunPeriodic(samplingCtx, cfg.Camera.SampleInterval)
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("operator API listening",
		zap.String("addr", cfg.Server.ListenAddr),
		zap.String("mode", cfg.Backend.Mode),
		zap.String("session_id", a.controller.SessionID()))
	return serveHTTPServer(server, 15*time.Second, logger)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
