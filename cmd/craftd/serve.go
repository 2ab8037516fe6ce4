package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/craftd/craftd/internal/config"
	"github.com/craftd/craftd/internal/history"
	histfactory "github.com/craftd/craftd/internal/history/factory"
	"github.com/craftd/craftd/internal/logger"
	"github.com/craftd/craftd/internal/manager"
	"github.com/craftd/craftd/internal/metrics"
	regfactory "github.com/craftd/craftd/internal/registry/factory"
	"github.com/craftd/craftd/internal/server"
	servertls "github.com/craftd/craftd/internal/tls"
)

// createServeCommand creates the serve subcommand.
func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [craftd.toml]",
		Short: "Run the craftd daemon",
		Long: `Run the daemon: restore registered projects, serve the control API,
and supervise game server processes until interrupted.

Examples:
  craftd serve                          # Defaults, workspace under ~/.craftd
  craftd serve craftd.toml              # With a config file
  craftd serve --config=craftd.toml --detach`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := *serveFlags
			flags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			return runServe(flags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Detach, "detach", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect output to file (with --detach)")

	return cmd
}

// loopbackListen reports whether addr binds a loopback interface.
func loopbackListen(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func runServe(flags ServeFlags) error {
	cfg := config.Default()
	if flags.ConfigPath != "" {
		var err error
		cfg, err = config.Load(flags.ConfigPath)
		if err != nil {
			return err
		}
	}

	if flags.Detach {
		return daemonize(cfg.Server.PIDFile, flags.LogFile)
	}

	log := logger.Config{Slog: cfg.Log, Console: cfg.Console}.NewSlogger()
	slog.SetDefault(log)

	if len(cfg.Tokens) == 0 && !loopbackListen(cfg.Server.Listen) {
		log.Warn("control API is reachable without authentication, add [[tokens]] or bind to loopback",
			"listen", cfg.Server.Listen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := regfactory.NewFromDSN(cfg.RegistryDSN())
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	if err := reg.EnsureSchema(ctx); err != nil {
		_ = reg.Close()
		return fmt.Errorf("registry schema: %w", err)
	}

	var recorder *history.Recorder
	if cfg.History.DSN != "" {
		sink, err := histfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			_ = reg.Close()
			return fmt.Errorf("open history sink: %w", err)
		}
		recorder = history.NewRecorder(log, sink)
	}

	var usage *metrics.UsageCollector
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		usage = metrics.NewUsageCollector(cfg.Metrics.Usage)
		if err := usage.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register usage metrics: %w", err)
		}
	}

	mgr, err := manager.New(manager.Config{
		WorkDir:      cfg.WorkDir,
		Registry:     reg,
		History:      recorder,
		ChildEnv:     cfg.ChildEnv(),
		ConsoleLogs:  cfg.Console,
		PIDDir:       cfg.RunDir(),
		StopTimeout:  cfg.Security.StopTimeoutDuration(),
		ReadyGrace:   cfg.Security.ReadyGraceDuration(),
		RingSize:     cfg.Security.RingSize,
		TerminalTTL:  cfg.Security.TerminalTTLDuration(),
		TerminalIdle: cfg.Security.TerminalIdleDuration(),
		UploadLimit:  cfg.Security.UploadLimit(),
		Usage:        usage,
		Logger:       log,
	})
	if err != nil {
		_ = reg.Close()
		return err
	}
	if err := mgr.Restore(ctx); err != nil {
		_ = mgr.Shutdown(context.Background())
		return err
	}
	if usage != nil {
		usage.Start(ctx, mgr.LiveTargets)
	}

	router := server.NewRouter(server.Config{
		Manager:  mgr,
		BasePath: cfg.Server.BasePath,
		Tokens:   cfg.Tokens,
		Metrics:  cfg.Metrics.Enabled,
		Logger:   log,
	})
	tlsConf, err := servertls.Setup(cfg.Server)
	if err != nil {
		_ = mgr.Shutdown(context.Background())
		return err
	}
	srv := server.NewServer(cfg.Server.Listen, tlsConf, router.Handler())

	if cfg.Server.PIDFile != "" {
		if err := writePidFile(cfg.Server.PIDFile, os.Getpid()); err != nil {
			log.Warn("pid file not written", "path", cfg.Server.PIDFile, "error", err)
		} else {
			defer func() { _ = removePidFile(cfg.Server.PIDFile) }()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConf != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	scheme := "http"
	if tlsConf != nil {
		scheme = "https"
	}
	log.Info("control API listening",
		"url", fmt.Sprintf("%s://%s%s", scheme, cfg.Server.Listen, cfg.Server.BasePath),
		"work_dir", cfg.WorkDir)

	select {
	case err := <-errCh:
		_ = mgr.Shutdown(context.Background())
		return fmt.Errorf("control API: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	// Give every live server its full graceful-stop window, plus slack for
	// the exit backups.
	grace := cfg.Security.StopTimeoutDuration() + 15*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if usage != nil {
		usage.Stop()
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}
