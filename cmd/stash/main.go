package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stash/internal/core"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func loadConfig(args []string) (core.Config, error) {
	flags := pflag.NewFlagSet("stash", pflag.ContinueOnError)

	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	listen := flags.StringP("listen", "l", core.DefaultListen, "artifact cache listen address")
	adminListen := flags.String("admin-listen", "", "admin HTTP listen address (metrics, status page); empty disables it")
	backendName := flags.StringP("backend", "b", core.BackendFilesystem, "storage backend: fs, memory, discard, sqlite or s3")
	dataDir := flags.StringP("data-dir", "d", core.DefaultDataDir, "directory to store artifacts in")
	tempDir := flags.String("temp-dir", "", "directory to stage uploads in (defaults to the data directory)")
	maxFileSize := flags.Uint64("max-file-size", core.DefaultMaxFileSize, "largest accepted artifact in bytes, 0 for unlimited")
	sqlitePath := flags.String("sqlite-path", "", "database file for the sqlite backend")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn or error")

	if err := flags.Parse(args); err != nil {
		return core.Config{}, err
	}

	cfg := core.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = core.LoadConfig(*configPath); err != nil {
			return cfg, err
		}
	}

	// Flags given on the command line override the file.
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "admin-listen":
			cfg.AdminListen = *adminListen
		case "backend":
			cfg.Backend = *backendName
		case "data-dir":
			cfg.DataDir = *dataDir
		case "temp-dir":
			cfg.TempDir = *tempDir
		case "max-file-size":
			cfg.MaxFileSize = *maxFileSize
		case "sqlite-path":
			cfg.SQLitePath = *sqlitePath
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	return cfg, cfg.Validate()
}

func setupLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    lvl == log.DebugLevel,
	})

	slog.SetDefault(slog.New(handler))
}

func Run(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	setupLogging(cfg.LogLevel)

	server, err := core.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create stash server: %w", err)
	}
	defer server.Close()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		slog.Info("Starting Stash cache server", "listen", cfg.Listen, "backend", cfg.Backend)
		return server.ListenAndServe(ctx)
	})

	if cfg.AdminListen != "" {
		adminServer := &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           server.AdminHandler(),
			ReadHeaderTimeout: 20 * time.Second,
			ReadTimeout:       20 * time.Second,
			WriteTimeout:      20 * time.Second,
		}

		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return adminServer.Shutdown(shutdownCtx)
		})

		eg.Go(func() error {
			slog.Info("Starting Stash admin server", "listen", cfg.AdminListen)
			err := adminServer.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	} else {
		slog.Debug("Skipping admin server because no address was provided")
	}

	slog.Info("Stash Started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("Stash exited with error", "error", err)
		os.Exit(1)
	}
}
