package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dalid/internal/config"
	"github.com/dokzlo13/dalid/internal/eventbus"
	"github.com/dokzlo13/dalid/internal/mqtt"
)

// MQTTService wraps the MQTT bridge.
type MQTTService struct {
	cfg    *config.Config
	reader mqtt.StateReader
	disp   mqtt.Dispatcher
	bridge *mqtt.Bridge
}

// NewMQTTService creates a new MQTTService. Nothing connects until Start.
func NewMQTTService(cfg *config.Config, reader mqtt.StateReader, disp mqtt.Dispatcher) *MQTTService {
	return &MQTTService{cfg: cfg, reader: reader, disp: disp}
}

// Start connects to the broker if enabled.
func (s *MQTTService) Start(bus *eventbus.Bus) error {
	if !s.cfg.MQTT.Enabled {
		log.Debug().Msg("MQTT bridge disabled")
		return nil
	}

	bridge, err := mqtt.NewBridge(mqtt.Config{
		Broker:      s.cfg.MQTT.Broker,
		ClientID:    s.cfg.MQTT.ClientID,
		Username:    s.cfg.MQTT.Username,
		Password:    s.cfg.MQTT.Password,
		TopicPrefix: s.cfg.MQTT.TopicPrefix,
		QoS:         s.cfg.MQTT.QoS,
		Timeout:     s.cfg.MQTT.Timeout.Duration(),
	}, s.reader, s.disp)
	if err != nil {
		return err
	}
	s.bridge = bridge
	s.bridge.Start(bus)
	return nil
}

// Close disconnects from the broker.
func (s *MQTTService) Close() {
	if s.bridge != nil {
		s.bridge.Stop()
	}
}
