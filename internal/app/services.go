package app

import (
	"context"

	"github.com/dokzlo13/dalid/internal/config"
	"github.com/dokzlo13/dalid/internal/db"
	"github.com/dokzlo13/dalid/internal/ledger"
	"github.com/dokzlo13/dalid/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger

	// Persisted device list for warm starts
	Store   *storage.Store
	Devices *storage.DeviceStore

	// High-level services
	Gateway       *GatewayService
	API           *APIService
	MQTT          *MQTTService
	LedgerCleanup *LedgerService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.Store = storage.NewStore(database.DB)
	s.Devices = storage.NewDeviceStore(s.Store)

	s.Gateway = NewGatewayService(cfg, s.Ledger, s.Devices)
	s.API = NewAPIService(cfg, s.Gateway.Coordinator, s.Gateway.Dispatcher, s.Ledger)
	s.MQTT = NewMQTTService(cfg, s.Gateway.Coordinator, s.Gateway.Dispatcher)
	s.LedgerCleanup = NewLedgerService(cfg, s.Ledger)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a service cannot keep running
// (e.g., the API port is taken).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	if err := s.Gateway.Start(ctx); err != nil {
		return err
	}

	// Subscribers must be registered before the first refresh publishes.
	if err := s.MQTT.Start(s.Gateway.Bus); err != nil {
		return err
	}

	s.Gateway.StartBackground(ctx)
	s.API.Start(ctx, onFatalError)
	s.LedgerCleanup.Start(ctx)

	return nil
}

// ClearState forgets the stored device list.
func (s *Services) ClearState() error {
	return s.Devices.Clear()
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.Gateway != nil {
		s.Gateway.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
