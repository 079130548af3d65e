// Package server wires the responder together: device, storage backend,
// exchange engine, connection controller, health service and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/rdmakv/internal/config"
	"github.com/yuuki/rdmakv/internal/connection"
	"github.com/yuuki/rdmakv/internal/exchange"
	"github.com/yuuki/rdmakv/internal/health"
	"github.com/yuuki/rdmakv/internal/storage"
	"github.com/yuuki/rdmakv/internal/telemetry"
	"github.com/yuuki/rdmakv/internal/verbs"
)

// Server represents the KV responder process
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.ServerConfig

	device     *verbs.Device
	backend    storage.Backend
	metrics    *telemetry.Metrics
	controller *connection.Controller
	health     *health.Server
	healthLis  net.Listener

	started  bool
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// New creates a new server instance
func New(cfg *config.ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	initLogging(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctx:    ctx,
		cancel: cancel,
		config: cfg,
		done:   make(chan struct{}),
	}
	log.Debug().Str("instance_id", cfg.InstanceID).Str("listen_addr", cfg.ListenAddr).Msg("Server instance created")
	return s, nil
}

// Start opens every resource, begins listening and serves connections in
// the background. Wait reports how serving ended.
func (s *Server) Start() error {
	log.Debug().Msg("Starting server")

	dev, err := verbs.OpenDevice(s.config.Device)
	if err != nil {
		return fmt.Errorf("failed to open device %s: %w", s.config.Device, err)
	}
	s.device = dev

	backend, err := storage.Open(s.ctx, s.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	s.backend = backend
	log.Info().Str("type", s.config.Storage.Type).Msg("Storage backend opened")

	if s.config.MetricsEnabled {
		m, err := telemetry.NewMetrics(s.ctx, s.config.InstanceID, s.config.OtelCollectorAddr)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			s.metrics = m
			log.Info().
				Str("instance_id", s.config.InstanceID).
				Str("collector_addr", s.config.OtelCollectorAddr).
				Msg("OpenTelemetry metrics initialized")
		}
	}

	engine := exchange.NewEngine(s.backend, s.metrics)
	s.controller = connection.NewController(s.device, s.config.ConnectionOptions(), s.observe(engine))
	if err := s.controller.Listen(s.config.ListenAddr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	if s.config.HealthAddr != "" {
		lis, err := net.Listen("tcp", s.config.HealthAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on health address %s: %w", s.config.HealthAddr, err)
		}
		s.healthLis = lis
		s.health = health.NewServer()
		s.health.SetServing(true)
		log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	}

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		// The health service has nothing to report once serving ends.
		defer s.cancel()
		return s.serve(gctx)
	})
	if s.health != nil {
		g.Go(func() error {
			return s.health.Serve(s.healthLis)
		})
		g.Go(func() error {
			<-gctx.Done()
			s.health.Stop()
			return nil
		})
	}
	s.started = true
	go func() {
		s.err = g.Wait()
		close(s.done)
	}()

	log.Info().Msg("Server started successfully")
	return nil
}

// serve keeps the controller serving across connection-scoped failures.
func (s *Server) serve(ctx context.Context) error {
	for {
		err := s.controller.Serve(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return nil
		case connection.ConnectionScoped(err):
			var le *loopError
			if !errors.As(err, &le) {
				s.metrics.RecordConnection(ctx, telemetry.OutcomeRejected)
			}
			log.Warn().Err(err).Str("kind", connection.KindOf(err).String()).Msg("Connection ended with an error, still listening")
		default:
			log.Error().Err(err).Msg("Server failed")
			return err
		}
	}
}

// loopError marks failures that came out of a message loop, as opposed to
// connection setup.
type loopError struct{ err error }

func (e *loopError) Error() string { return e.err.Error() }
func (e *loopError) Unwrap() error { return e.err }

// observe records the outcome of every message loop.
func (s *Server) observe(h connection.Handler) connection.Handler {
	return connection.HandlerFunc(func(ctx context.Context, conn *connection.Connection) error {
		err := h.Serve(ctx, conn)
		switch {
		case err == nil || errors.Is(err, connection.ErrDisconnected):
			s.metrics.RecordConnection(ctx, telemetry.OutcomeServed)
		case ctx.Err() == nil:
			s.metrics.RecordConnection(ctx, telemetry.OutcomeFailed)
		}
		if err == nil {
			return nil
		}
		return &loopError{err: err}
	})
}

// Addr returns the address the controller listens on.
func (s *Server) Addr() net.Addr {
	if s.controller == nil {
		return nil
	}
	return s.controller.Addr()
}

// HealthAddr returns the health service address, or nil when disabled.
func (s *Server) HealthAddr() net.Addr {
	if s.healthLis == nil {
		return nil
	}
	return s.healthLis.Addr()
}

// Done is closed when serving has ended.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until serving ends and returns its error.
func (s *Server) Wait() error {
	<-s.done
	return s.err
}

// Stop stops serving and releases every resource. It is safe to call more
// than once and before Start.
func (s *Server) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Server) stop() {
	log.Debug().Msg("Stopping server")
	if s.health != nil {
		s.health.SetServing(false)
	}
	s.cancel()

	if s.started {
		select {
		case <-s.done:
		case <-time.After(10 * time.Second):
			log.Warn().Msg("Timed out waiting for the controller loop")
		}
	}
	if s.controller != nil {
		log.Debug().Msg("Closing controller")
		if err := s.controller.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close controller")
		}
	}
	if s.health != nil {
		s.health.Stop()
	}

	if s.backend != nil {
		log.Debug().Msg("Closing storage backend")
		if err := s.backend.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close storage backend")
		}
	}

	if s.metrics != nil {
		log.Debug().Msg("Shutting down metrics")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.metrics.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics properly")
		}
	}

	if s.device != nil {
		if err := s.device.Close(); err != nil && !errors.Is(err, verbs.ErrAlreadyReleased) {
			log.Error().Err(err).Msg("Failed to close device")
		}
	}
	log.Info().Msg("Server stopped")
}

// Run starts the server and blocks until a signal arrives or serving ends
// on its own.
func (s *Server) Run() error {
	log.Debug().Msg("Running server")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := s.Start(); err != nil {
		s.Stop()
		return err
	}

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")

		forceQuitCh := make(chan os.Signal, 1)
		signal.Notify(forceQuitCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-forceQuitCh
			log.Warn().Msg("Received second signal, forcing immediate exit...")
			os.Exit(1)
		}()
		s.Stop()
		log.Info().Msg("Server shut down gracefully")
		return nil
	case <-s.done:
		s.Stop()
		return s.err
	}
}

var consoleOnce sync.Once

// initLogging initializes the logging configuration. The console writer is
// installed once so later servers in the same process only change the level.
func initLogging(level string) {
	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	consoleOnce.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	})
}
