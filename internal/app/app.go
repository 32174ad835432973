package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/flowsyncd/internal/config"
)

// App is the main application container that manages all services and their lifecycle.
type App struct {
	cfg        *config.Config
	configPath string
	services   *Services
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a new App instance with all services initialized but not started.
// configPath is re-read on SIGHUP.
func New(cfg *config.Config, configPath string) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:        cfg,
		configPath: configPath,
		services:   services,
	}, nil
}

// Start initializes and starts all services.
// The provided context is used for cancellation.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	// Fatal error handler - cancels the app context to trigger shutdown
	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel()
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		return err
	}

	if a.configPath != "" {
		go reloadOnHangup(a.ctx, a.configPath, a.services.Knobs)
	}

	log.Info().Msg("flowsyncd started")
	return nil
}

// Stop gracefully shuts down all services.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// Wait blocks until the application context is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// ClearDesiredConfig clears the stored configuration of every node.
// This is useful for resetting the store on startup with --reset-store flag.
func (a *App) ClearDesiredConfig() error {
	if a.services != nil {
		return a.services.ClearStore()
	}
	return nil
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}

// reloadOnHangup applies the reconciliation knobs of path on every SIGHUP.
func reloadOnHangup(ctx context.Context, path string, knobs *config.Knobs) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigChan:
			log.Info().Str("config", path).Msg("Received SIGHUP, reloading configuration")
			if err := config.Reload(path, knobs); err != nil {
				log.Error().Err(err).Msg("Configuration reload failed, keeping previous values")
			}
		}
	}
}
