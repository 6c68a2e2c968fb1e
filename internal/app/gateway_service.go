package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dalid/internal/config"
	"github.com/dokzlo13/dalid/internal/coordinator"
	"github.com/dokzlo13/dalid/internal/dispatch"
	"github.com/dokzlo13/dalid/internal/eventbus"
	"github.com/dokzlo13/dalid/internal/gateway"
	"github.com/dokzlo13/dalid/internal/ledger"
	"github.com/dokzlo13/dalid/internal/overrides"
	"github.com/dokzlo13/dalid/internal/storage"
)

// GatewayService wraps everything that talks to the gateway: client,
// override cache, coordinator, dispatcher and the event bus they publish on.
type GatewayService struct {
	cfg *config.Config

	Client      *gateway.Client
	Overrides   *overrides.Cache
	Coordinator *coordinator.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Bus         *eventbus.Bus
}

// NewGatewayService creates the gateway components without contacting the
// gateway.
func NewGatewayService(cfg *config.Config, l *ledger.Ledger, devices *storage.DeviceStore) *GatewayService {
	client := gateway.NewClient(cfg.Gateway.Host, cfg.Gateway.Timeout.Duration(), cfg.Gateway.RateLimitRPS)

	grace := cfg.Coordinator.GracePeriod.Duration()
	cache := overrides.New(grace)

	bus := eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	coord := coordinator.New(client, cache, coordinator.Config{
		RefreshInterval:  cfg.Coordinator.RefreshInterval.Duration(),
		RefreshTimeout:   cfg.Coordinator.RefreshTimeout.Duration(),
		ScanPollInterval: cfg.Coordinator.ScanPollInterval.Duration(),
		ScanTimeout:      cfg.Coordinator.ScanTimeout.Duration(),
	}, coordinator.Deps{
		Ledger: l,
		Bus:    bus,
		Store:  devices,
	})

	disp := dispatch.New(client, coord, cache, dispatch.Deps{
		Ledger:      l,
		Bus:         bus,
		GracePeriod: grace,
	})

	return &GatewayService{
		cfg:         cfg,
		Client:      client,
		Overrides:   cache,
		Coordinator: coord,
		Dispatcher:  disp,
		Bus:         bus,
	}
}

// Start restores stored state and probes the gateway. An unreachable
// gateway is not fatal; the refresh loop keeps retrying.
func (s *GatewayService) Start(ctx context.Context) error {
	if s.cfg.Coordinator.IsWarmStart() {
		if err := s.Coordinator.Restore(); err != nil {
			log.Warn().Err(err).Msg("Failed to restore stored device state")
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Gateway.Timeout.Duration())
	defer cancel()

	info, err := s.Client.Info(probeCtx)
	if err != nil {
		log.Warn().Err(err).Str("gateway", s.Client.BaseURL()).Msg("Gateway not reachable yet")
		return nil
	}
	log.Info().
		Str("gateway", s.Client.BaseURL()).
		Str("name", info.Name).
		Str("firmware", info.Version).
		Msg("Connected to DALI gateway")
	return nil
}

// StartBackground starts the refresh loop.
func (s *GatewayService) StartBackground(ctx context.Context) {
	go func() {
		if err := s.Coordinator.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Coordinator error")
		}
	}()
}

// Close releases all resources.
func (s *GatewayService) Close() {
	if s.Coordinator != nil {
		s.Coordinator.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.Client != nil {
		s.Client.Close()
	}
}
