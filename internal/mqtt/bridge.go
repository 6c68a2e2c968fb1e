// Package mqtt mirrors device and group state to an MQTT broker and accepts
// commands from it.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dalid/internal/coordinator"
	"github.com/dokzlo13/dalid/internal/dispatch"
	"github.com/dokzlo13/dalid/internal/eventbus"
	"github.com/dokzlo13/dalid/internal/state"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// StateReader provides the merged view that is published. One sync reads
// devices and groups from a single view so they never mix snapshots.
type StateReader interface {
	View() (*coordinator.View, error)
}

// Dispatcher executes commands received from the broker.
type Dispatcher interface {
	Dispatch(ctx context.Context, key state.Key, change dispatch.Change) (dispatch.Result, error)
}

// Subscriber is the event bus side the bridge listens on.
type Subscriber interface {
	Subscribe(eventType eventbus.EventType, handler eventbus.Handler)
}

type message struct {
	topic   string
	payload []byte
}

// Bridge publishes retained state and executes commands in arrival order.
type Bridge struct {
	cfg    Config
	client pahomqtt.Client
	reader StateReader
	disp   Dispatcher

	// publish is the client's publish, swapped out in tests.
	publish func(topic string, payload []byte, retained bool)

	cmds   chan message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	last map[string]string // topic -> last retained payload
}

func newBridge(cfg Config, reader StateReader, disp Dispatcher) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:    cfg,
		reader: reader,
		disp:   disp,
		cmds:   make(chan message, 64),
		ctx:    ctx,
		cancel: cancel,
		last:   make(map[string]string),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(cfg Config, reader StateReader, disp Dispatcher) (*Bridge, error) {
	b := newBridge(cfg, reader, disp)
	b.publish = b.clientPublish

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(bridgeTopic(cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
			b.publish(bridgeTopic(cfg.TopicPrefix), []byte("online"), true)
			b.subscribeCommands()
			b.resync()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, errors.New("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to state events and starts the command worker.
func (b *Bridge) Start(bus Subscriber) {
	for _, t := range []eventbus.EventType{
		eventbus.EventSnapshotPublished,
		eventbus.EventCommandSent,
		eventbus.EventMembershipChanged,
		eventbus.EventScanCompleted,
	} {
		bus.Subscribe(t, func(eventbus.Event) { b.syncState() })
	}

	b.wg.Add(1)
	go b.runCommands()

	b.syncState()
	log.Info().Str("prefix", b.cfg.TopicPrefix).Msg("MQTT bridge started")
}

// Stop publishes the offline state and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	b.wg.Wait()

	if b.client != nil {
		token := b.client.Publish(bridgeTopic(b.cfg.TopicPrefix), 1, true, "offline")
		token.WaitTimeout(b.cfg.Timeout)
		b.client.Disconnect(250)
	}
	log.Info().Msg("MQTT bridge stopped")
}

func (b *Bridge) subscribeCommands() {
	filter := commandFilter(b.cfg.TopicPrefix)
	token := b.client.Subscribe(filter, b.cfg.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.enqueue(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(b.cfg.Timeout) {
			log.Warn().Str("topic", filter).Msg("MQTT subscribe timeout")
		} else if err := token.Error(); err != nil {
			log.Error().Err(err).Str("topic", filter).Msg("MQTT subscribe failed")
		}
	}()
}

// enqueue hands a message to the command worker without blocking the
// client's router.
func (b *Bridge) enqueue(topic string, payload []byte) {
	select {
	case b.cmds <- message{topic: topic, payload: payload}:
	default:
		log.Warn().Str("topic", topic).Msg("MQTT command queue full, dropping command")
	}
}

func (b *Bridge) runCommands() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.cmds:
			b.execute(msg.topic, msg.payload)
		}
	}
}

// execute parses and dispatches one command. Errors are logged; the broker
// has no channel to report them on.
func (b *Bridge) execute(topic string, payload []byte) {
	key, err := parseCommandTopic(b.cfg.TopicPrefix, topic)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring MQTT message")
		return
	}
	change, err := parseCommand(payload)
	if err != nil {
		log.Warn().Err(err).Str("target", key.String()).Msg("Ignoring MQTT command")
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.Timeout)
	defer cancel()

	res, err := b.disp.Dispatch(ctx, key, change)
	if err != nil {
		log.Error().Err(err).Str("target", key.String()).Msg("MQTT command failed")
		return
	}
	log.Debug().
		Str("target", key.String()).
		Interface("sent", res.Sent).
		Str("correlation_id", res.CorrelationID).
		Msg("MQTT command dispatched")
}

// resync forgets what was published so every topic is sent again.
func (b *Bridge) resync() {
	b.mu.Lock()
	clear(b.last)
	b.mu.Unlock()
	b.syncState()
}

// syncState publishes every device and group whose payload changed and
// clears the retained state of targets that disappeared.
func (b *Bridge) syncState() {
	view, err := b.reader.View()
	if errors.Is(err, state.ErrNotReady) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("MQTT state sync failed")
		return
	}
	devices, groups := view.Devices(), view.Groups()

	current := make(map[string]statePayload, len(devices)+len(groups))
	for _, d := range devices {
		current[stateTopic(b.cfg.TopicPrefix, d.Key())] = devicePayload(d)
	}
	for _, g := range groups {
		current[stateTopic(b.cfg.TopicPrefix, g.Key())] = groupPayload(g)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, p := range current {
		data, err := json.Marshal(p)
		if err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("Failed to encode state")
			continue
		}
		if b.last[topic] == string(data) {
			continue
		}
		b.last[topic] = string(data)
		b.publish(topic, data, true)
	}

	for topic := range b.last {
		if _, ok := current[topic]; ok {
			continue
		}
		delete(b.last, topic)
		// An empty retained message removes the topic from the broker.
		b.publish(topic, nil, true)
	}
}

func (b *Bridge) clientPublish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, b.cfg.QoS, retained, payload)
	go func() {
		if !token.WaitTimeout(b.cfg.Timeout) {
			log.Warn().Str("topic", topic).Msg("MQTT publish timeout")
		} else if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish error")
		}
	}()
}
