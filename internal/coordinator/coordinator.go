// Package coordinator owns the published device snapshot. It polls the
// gateway on a fixed interval and on demand, never runs two refreshes at
// once, and serves reads that merge the snapshot with optimistic overrides.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dalid/internal/eventbus"
	"github.com/dokzlo13/dalid/internal/gateway"
	"github.com/dokzlo13/dalid/internal/ledger"
	"github.com/dokzlo13/dalid/internal/overrides"
	"github.com/dokzlo13/dalid/internal/state"
)

// ErrScanInProgress is returned when a bus scan is requested while another
// one is still running.
var ErrScanInProgress = errors.New("coordinator: scan already in progress")

// Gateway is the subset of the gateway client the coordinator uses.
type Gateway interface {
	Devices(ctx context.Context) ([]gateway.DeviceDescriptor, error)
	Device(ctx context.Context, id int) (*gateway.DeviceDescriptor, error)
	SetDeviceGroups(ctx context.Context, id int, groups []int) error
	StartScan(ctx context.Context, newInstallation bool) (*gateway.ScanStatus, error)
	ScanStatus(ctx context.Context) (*gateway.ScanStatus, error)
}

// Ledger records history. *ledger.Ledger satisfies it.
type Ledger interface {
	Append(eventType ledger.EventType, correlationID, source, target string, payload map[string]any) error
}

// Publisher fans events out to listeners. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(event eventbus.Event)
}

// DeviceStore persists the last published device list.
type DeviceStore interface {
	SaveDevices(devices []state.Device) error
	LoadDevices() ([]state.Device, error)
}

// Config holds coordinator timing.
type Config struct {
	RefreshInterval  time.Duration
	RefreshTimeout   time.Duration
	ScanPollInterval time.Duration
	ScanTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 10 * time.Second
	}
	if c.ScanPollInterval <= 0 {
		c.ScanPollInterval = 2 * time.Second
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 10 * time.Minute
	}
}

// Deps are optional collaborators. Nil fields are skipped.
type Deps struct {
	Ledger Ledger
	Bus    Publisher
	Store  DeviceStore
}

// Phase is the refresh state machine position.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRefreshing
	PhaseMergingAndPublishing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseMergingAndPublishing:
		return "merging_and_publishing"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Stats describes refresh health.
type Stats struct {
	Phase               string    `json:"phase"`
	Ready               bool      `json:"ready"`
	Restored            bool      `json:"restored"`
	Devices             int       `json:"devices"`
	Groups              int       `json:"groups"`
	Overrides           int       `json:"overrides"`
	LastRefresh         time.Time `json:"last_refresh,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Refreshes           uint64    `json:"refreshes"`
	ScanRunning         bool      `json:"scan_running"`
}

type refreshCall struct {
	done chan struct{}
	err  error
}

// Coordinator polls the gateway and publishes snapshots.
type Coordinator struct {
	gw    Gateway
	cache *overrides.Cache
	cfg   Config
	deps  Deps
	now   func() time.Time

	// ctx bounds background refreshes and scan watchers; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	snapshot atomic.Pointer[state.Snapshot]
	phase    atomic.Int32
	live     atomic.Bool // a snapshot from the gateway, not the store, was published

	// refreshMu guards the single-flight bookkeeping.
	refreshMu sync.Mutex
	inflight  *refreshCall
	pending   *refreshCall
	workers   sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats

	trigger chan struct{}

	scanning     atomic.Bool
	membershipMu sync.Mutex
}

// New creates a coordinator. Call Run to start periodic refreshes.
func New(gw Gateway, cache *overrides.Cache, cfg Config, deps Deps) *Coordinator {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		gw:      gw,
		cache:   cache,
		cfg:     cfg,
		deps:    deps,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
	}
}

// Restore publishes the persisted device list, if any, so reads succeed
// before the gateway answers. A live refresh always replaces it.
func (c *Coordinator) Restore() error {
	if c.deps.Store == nil || c.snapshot.Load() != nil {
		return nil
	}
	devices, err := c.deps.Store.LoadDevices()
	if err != nil {
		return fmt.Errorf("failed to load stored devices: %w", err)
	}
	if len(devices) == 0 {
		return nil
	}

	snap := state.NewSnapshot(devices, time.Time{})
	snap.PublishedAt = c.now()
	c.snapshot.CompareAndSwap(nil, snap)

	c.statsMu.Lock()
	c.stats.Restored = true
	c.statsMu.Unlock()

	log.Info().Int("devices", len(devices)).Msg("Restored last known device state")
	return nil
}

// Run refreshes once, then on every interval tick and every Trigger until
// ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Info().Dur("refresh_interval", c.cfg.RefreshInterval).Msg("Coordinator started")

	if err := c.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial refresh failed")
	}

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Coordinator stopping")
			return nil

		case <-c.trigger:
			_ = c.Refresh(ctx)

		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// Trigger requests an out-of-cycle refresh from the Run loop without
// waiting for it.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// Close cancels background work and waits for running refreshes.
func (c *Coordinator) Close() {
	c.cancel()
	c.workers.Wait()
}

// Refresh polls the gateway and publishes a new snapshot. When a refresh is
// already running the call joins the single follow-up refresh queued behind
// it, so the result it observes always comes from a read that started after
// the call. ctx only bounds the wait; the refresh itself runs under the
// coordinator's lifetime and RefreshTimeout.
func (c *Coordinator) Refresh(ctx context.Context) error {
	call := c.requestRefresh()
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) requestRefresh() *refreshCall {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.inflight == nil {
		call := &refreshCall{done: make(chan struct{})}
		c.inflight = call
		c.workers.Add(1)
		go c.runRefreshes(call)
		return call
	}

	if c.pending == nil {
		c.pending = &refreshCall{done: make(chan struct{})}
	}
	return c.pending
}

func (c *Coordinator) runRefreshes(call *refreshCall) {
	defer c.workers.Done()

	for call != nil {
		call.err = c.refreshOnce()
		close(call.done)

		c.refreshMu.Lock()
		call = c.pending
		c.pending = nil
		c.inflight = call
		c.refreshMu.Unlock()
	}
}

func (c *Coordinator) refreshOnce() error {
	if err := c.ctx.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RefreshTimeout)
	defer cancel()
	defer c.phase.Store(int32(PhaseIdle))

	c.phase.Store(int32(PhaseRefreshing))
	startedAt := c.now()

	descriptors, err := c.gw.Devices(ctx)
	if err != nil {
		c.recordFailure(err)
		return fmt.Errorf("refresh: %w", err)
	}

	c.phase.Store(int32(PhaseMergingAndPublishing))

	devices := make([]state.Device, 0, len(descriptors))
	for _, d := range descriptors {
		dev, err := FromDescriptor(d)
		if err != nil {
			log.Warn().Err(err).Int("device", d.ID).Msg("Skipping device")
			continue
		}
		devices = append(devices, dev)
	}

	snap := state.NewSnapshot(devices, startedAt)
	snap.PublishedAt = c.now()
	c.snapshot.Store(snap)
	c.live.Store(true)

	// Overrides are dropped only once the snapshot that confirms them is
	// visible, so no reader pairs the old snapshot with a confirmed cache.
	confirmed := c.confirm(snap)
	purged := c.cache.Purge()
	c.recordSuccess(snap)

	log.Debug().
		Int("devices", snap.Len()).
		Int("groups", len(snap.GroupIDs())).
		Int("confirmed", confirmed).
		Int("purged", purged).
		Dur("took", snap.PublishedAt.Sub(startedAt)).
		Msg("Snapshot published")

	if c.deps.Store != nil {
		if err := c.deps.Store.SaveDevices(devices); err != nil {
			log.Warn().Err(err).Msg("Failed to persist device state")
		}
	}

	if c.deps.Bus != nil {
		c.deps.Bus.Publish(eventbus.Event{
			Type: eventbus.EventSnapshotPublished,
			Data: map[string]any{
				"devices":    snap.Len(),
				"groups":     len(snap.GroupIDs()),
				"started_at": startedAt,
			},
		})
	}

	return nil
}

// confirm drops overrides the new snapshot already reflects.
func (c *Coordinator) confirm(snap *state.Snapshot) int {
	n := 0
	for _, id := range snap.DeviceIDs() {
		d, _ := snap.Device(id)
		n += c.cache.Confirm(state.DeviceKey(id), d.State, snap.StartedAt)
	}
	for _, id := range snap.GroupIDs() {
		g := state.Aggregate(id, snap.Members(id), snap.Device)
		n += c.cache.Confirm(state.GroupKey(id), g.State, snap.StartedAt)
	}
	return n
}

func (c *Coordinator) recordFailure(err error) {
	c.statsMu.Lock()
	c.stats.LastError = err.Error()
	c.stats.LastErrorAt = c.now()
	c.stats.ConsecutiveFailures++
	failures := c.stats.ConsecutiveFailures
	c.statsMu.Unlock()

	ev := log.Warn()
	if failures > 1 {
		ev = log.Debug()
	}
	ev.Err(err).Int("consecutive_failures", failures).Msg("Refresh failed, keeping previous snapshot")

	// Only the first failure of a streak goes to the ledger.
	if failures == 1 {
		c.appendLedger(ledger.EventRefreshFailed, "", "", map[string]any{"error": err.Error()})
	}
}

func (c *Coordinator) recordSuccess(snap *state.Snapshot) {
	c.statsMu.Lock()
	failures := c.stats.ConsecutiveFailures
	c.stats.ConsecutiveFailures = 0
	c.stats.LastError = ""
	c.stats.LastRefresh = snap.PublishedAt
	c.stats.Refreshes++
	c.stats.Restored = false
	c.statsMu.Unlock()

	if failures > 0 {
		log.Info().Int("failed_attempts", failures).Msg("Gateway reachable again")
		c.appendLedger(ledger.EventRefreshRecovered, "", "", map[string]any{"failed_attempts": failures})
	}
}

func (c *Coordinator) appendLedger(eventType ledger.EventType, correlationID, target string, payload map[string]any) {
	if c.deps.Ledger == nil {
		return
	}
	if err := c.deps.Ledger.Append(eventType, correlationID, "coordinator", target, payload); err != nil {
		log.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to write ledger entry")
	}
}

func (c *Coordinator) publish(eventType eventbus.EventType, data map[string]any) {
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(eventbus.Event{Type: eventType, Data: data})
	}
}

// Ready reports whether a snapshot read from the gateway has been published.
func (c *Coordinator) Ready() bool {
	return c.live.Load()
}

// Phase returns the current refresh phase.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

// Stats returns a copy of the refresh statistics.
func (c *Coordinator) Stats() Stats {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()

	s.Phase = c.Phase().String()
	s.Ready = c.Ready()
	s.Overrides = c.cache.Len()
	s.ScanRunning = c.scanning.Load()
	if snap := c.snapshot.Load(); snap != nil {
		s.Devices = snap.Len()
		s.Groups = len(snap.GroupIDs())
	}
	return s
}

// Snapshot returns the currently published snapshot without overrides, or
// nil before the first publish.
func (c *Coordinator) Snapshot() *state.Snapshot {
	return c.snapshot.Load()
}

// Overrides exposes the optimistic cache commands record into.
func (c *Coordinator) Overrides() *overrides.Cache {
	return c.cache
}
