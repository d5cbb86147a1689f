package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/reel/am"
	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/logger"
	"github.com/teranos/reel/server"
)

// shutdownGrace bounds how long in-flight HTTP requests get on shutdown.
const shutdownGrace = 15 * time.Second

// ServerCmd starts the HTTP API together with the worker pool and ticker
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the reel server",
	Long: `Start the HTTP API, the download worker pool and the scheduler.

Jobs left in progress by a previous run are handled according to
pulse.recover_interrupted before any worker starts. Changes to
pulse.ticker_interval_seconds in the project config apply without a restart.`,
	RunE: runServer,
}

var (
	serverDBPath string
	serverPort   int
)

func init() {
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Port to listen on (overrides server.port)")
}

func runServer(cmd *cobra.Command, args []string) error {
	// Default to Info for the server
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}
	logger.SetVerbosity(verbosity)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	port := cfg.Server.Port
	if serverPort > 0 {
		port = serverPort
	}
	dbPath := serverDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, _, closeDB, err := openService(ctx, cfg, dbPath)
	if err != nil {
		return err
	}
	defer closeDB()

	printStartupBanner(verbosity, cfg, dbPath, port)

	if err := svc.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start pulse")
	}
	defer svc.Stop()

	watcher := watchConfig(svc)
	if watcher != nil {
		defer watcher.Stop()
	}

	srv := server.New(svc, cfg, logger.ComponentLogger("server"))

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "server stopped unexpectedly")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
	}

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancelShutdown()
		err := srv.Shutdown(shutdownCtx)
		// Running downloads are cancelled and recorded as errors
		svc.Stop()
		shutdownDone <- err
	}()

	select {
	case err := <-shutdownDone:
		if err != nil {
			return errors.Wrap(err, "shutdown error")
		}
		pterm.Success.Println("Server stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Force shutdown - exiting immediately")
		os.Exit(1)
		return nil
	}
}

// tickerReloader is the part of the service a config reload touches.
type tickerReloader interface {
	SetTickerInterval(d time.Duration)
}

// watchConfig applies project config changes to the running service. It
// returns nil when there is no project config to watch.
func watchConfig(svc tickerReloader) *am.ConfigWatcher {
	path := am.ProjectConfigPath()
	if path == "" {
		return nil
	}

	watcher, err := am.NewConfigWatcher(path, logger.ComponentLogger("am"))
	if err != nil {
		logger.Warnw("Config hot reload disabled", logger.FieldPath, path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(applyReload(svc))
	am.SetGlobalWatcher(watcher)
	watcher.Start()
	return watcher
}

// applyReload returns the reload callback for svc.
func applyReload(svc tickerReloader) am.ReloadCallback {
	return func(cfg *am.Config) error {
		interval := cfg.TickerInterval()
		if interval <= 0 {
			return errors.Newf("ignoring non-positive ticker interval %s", interval)
		}
		svc.SetTickerInterval(interval)
		return nil
	}
}
