package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bifrost-vtt/conduit/internal/conduit"
	"github.com/bifrost-vtt/conduit/internal/config"
	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/internal/logging"
	intOtel "github.com/bifrost-vtt/conduit/internal/otel"
	"github.com/bifrost-vtt/conduit/internal/telemetry"
	"github.com/bifrost-vtt/conduit/internal/transport"
)

// autoConnectDelay lets the host settle before the first connection attempt.
const autoConnectDelay = 2 * time.Second

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine and serve until interrupted",
		Long: `Start the synchronization engine against the configured scene store.

The engine connects to the tracking server when autoConnect is set and
pushes token lists periodically when autoSync is set. It stops on SIGINT
or SIGTERM.

Example:
  conduit run --config-dir ./config`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, rootOpts)
		},
	}
}

// services is everything run opens and must release on exit.
type services struct {
	logFile   *os.File
	otelFile  *os.File
	otel      *intOtel.Provider
	slog      *logging.SlogManager
	telemetry *telemetry.Influx
	closeHost func() error
}

func (s *services) close(ctx context.Context) {
	if s.telemetry != nil {
		_ = s.telemetry.Close()
	}
	if s.closeHost != nil {
		if err := s.closeHost(); err != nil {
			s.slog.Logger().Warn("Failed to close scene store", "error", err)
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	if s.otelFile != nil {
		_ = s.otelFile.Close()
	}
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
}

func run(ctx context.Context, opts *rootOptions) error {
	sessionStart := time.Now()
	if err := loadConfig(opts.ConfigDir); err != nil {
		return err
	}

	svc := &services{slog: logging.NewSlogManager()}
	defer svc.close(context.Background())

	var (
		engine  atomic.Pointer[conduit.Engine]
		sceneID atomic.Value
	)
	sceneID.Store("")
	svc.slog.GetPhase = func() string {
		if e := engine.Load(); e != nil {
			return e.Phase()
		}
		return transport.Disconnected.String()
	}
	svc.slog.GetSceneID = func() string { return sceneID.Load().(string) }

	zlog, err := setupLogging(ctx, svc, sessionStart)
	if err != nil {
		return err
	}
	logger := svc.slog.Logger()
	logger.Info("Starting conduit", "version", Version, "buildDate", BuildDate)

	bus := host.NewBus()
	bus.Subscribe(func(ev host.Event) {
		if ev.Kind == host.SceneReady {
			sceneID.Store(ev.Scene.ID)
		}
	})

	h, closeHost, err := openHost(ctx, config.GetSceneConfig(), bus, Version, zlog)
	if err != nil {
		return fmt.Errorf("open scene store: %w", err)
	}
	svc.closeHost = closeHost
	if scene, err := h.ActiveScene(ctx); err == nil {
		sceneID.Store(scene.ID)
	}

	var recorder telemetry.Recorder = telemetry.Nop{}
	if config.GetBool("influx.enabled") {
		influx, err := telemetry.Open(ctx, telemetry.ConfigFromViper(), zlog)
		if err != nil {
			logger.Warn("Telemetry disabled", "error", err)
		} else {
			svc.telemetry = influx
			recorder = influx
		}
	}

	tc := config.GetTransportConfig()
	sc := config.GetSyncConfig()
	e, err := conduit.New(conduit.Config{
		Transport: transport.Config{
			URL:       transport.URLFor(tc.Host, tc.Port),
			Heartbeat: tc.Heartbeat,
		},
		AutoCreateTokens: sc.AutoCreateTokens,
		AutoSyncInterval: sc.AutoSyncInterval,
	}, conduit.Deps{
		Host:      h,
		Bus:       bus,
		Settings:  config.NewSettings(opts.ConfigDir),
		Telemetry: recorder,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	engine.Store(e)
	defer e.Shutdown()

	if tc.AutoConnect {
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(autoConnectDelay):
			}
			if err := e.Connect(ctx); err != nil {
				logger.Warn("Auto-connect failed", "error", err)
			}
		}()
	}
	if sc.AutoSync {
		e.StartAutoSync(sc.AutoSyncInterval)
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	return svc.slog.Flush(context.Background())
}

// setupLogging opens the log file, the optional OTel export and the
// optional Graylog output. It returns the zerolog logger used by the
// database and telemetry layers.
func setupLogging(ctx context.Context, svc *services, sessionStart time.Time) (zerolog.Logger, error) {
	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return zerolog.Nop(), fmt.Errorf("error creating logs dir: %w", err)
	}

	paths := logging.SessionPaths(logsDir, "conduit", sessionStart)
	logFile, err := os.OpenFile(paths.Log, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("error opening log file: %w", err)
	}
	svc.logFile = logFile
	var out io.Writer = io.MultiWriter(logFile, os.Stdout)

	oc := config.GetOTelConfig()
	otelCfg := intOtel.Config{
		Enabled:      oc.Enabled,
		ServiceName:  oc.ServiceName,
		Version:      Version,
		BatchTimeout: oc.BatchTimeout,
		Endpoint:     oc.Endpoint,
		Insecure:     oc.Insecure,
	}
	if oc.Enabled {
		otelFile, err := os.OpenFile(paths.OTel, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("error opening otel log file: %w", err)
		}
		svc.otelFile = otelFile
		otelCfg.LogWriter = otelFile
	}
	provider, err := intOtel.New(ctx, otelCfg)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("error setting up otel: %w", err)
	}
	svc.otel = provider

	if config.GetBool("graylog.enabled") {
		gelfWriter, err := logging.OpenGraylog(config.GetString("graylog.address"))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		} else {
			svc.slog.SetGraylog(gelfWriter)
		}
	}

	level := config.LogLevel()
	svc.slog.Setup(out, level, provider.LoggerProvider())

	zlevel, err := zerolog.ParseLevel(level)
	if err != nil {
		zlevel = zerolog.InfoLevel
	}
	zlog := zerolog.New(out).Level(zlevel).With().Timestamp().Str("component", "store").Logger()
	return zlog, nil
}
