package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dalid/internal/config"
)

// Options adjust how the daemon boots.
type Options struct {
	// ResetState forgets the stored device list, so reads wait for the
	// first live refresh instead of serving the last known devices.
	ResetState bool
}

// App is the dalid daemon: one gateway coordinator with its dispatcher,
// and the REST and MQTT surfaces that read through it.
type App struct {
	cfg      *config.Config
	services *Services

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	fatal error
}

// New opens storage and wires services. Nothing talks to the gateway until
// Start.
func New(cfg *config.Config, opts Options) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	if opts.ResetState {
		log.Info().Msg("Forgetting stored device list")
		if err := services.ClearState(); err != nil {
			log.Warn().Err(err).Msg("Failed to clear stored device list")
		}
	}

	return &App{cfg: cfg, services: services}, nil
}

// Start restores the stored devices, launches the refresh loop and opens
// the enabled surfaces. An unreachable gateway is not an error.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.services.Start(a.ctx, a.fail); err != nil {
		return err
	}

	log.Info().Str("gateway", a.cfg.Gateway.Host).Msg("dalid started")
	return nil
}

// fail stops the daemon when a surface cannot keep serving.
func (a *App) fail(err error) {
	log.Error().Err(err).Msg("Fatal error, initiating shutdown")
	a.mu.Lock()
	if a.fatal == nil {
		a.fatal = err
	}
	a.mu.Unlock()
	a.cancel()
}

// Err returns the error that forced a shutdown, if any.
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatal
}

// Stop cancels background work and closes the broker, coordinator and
// database in that order.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}
	return a.services.Stop()
}

// Run starts the daemon, blocks until ctx is done or a surface fails, and
// shuts down. It returns the failure, if one caused the exit.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-a.ctx.Done()

	if err := a.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	return a.Err()
}

// SignalContext is cancelled on the first SIGINT or SIGTERM. A second
// signal exits immediately.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()

		sig = <-sigChan
		log.Error().Str("signal", sig.String()).Msg("Second signal, exiting without cleanup")
		os.Exit(1)
	}()

	return ctx
}
