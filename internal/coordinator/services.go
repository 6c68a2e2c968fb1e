package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dalid/internal/eventbus"
	"github.com/dokzlo13/dalid/internal/gateway"
	"github.com/dokzlo13/dalid/internal/ledger"
	"github.com/dokzlo13/dalid/internal/state"
)

// ScanDevices starts a bus scan. With newInstallation the gateway
// readdresses every device and drops the previous device list. The call
// returns once the gateway accepted the scan; completion is watched in the
// background, after which overrides are cleared and state is refreshed.
func (c *Coordinator) ScanDevices(ctx context.Context, newInstallation bool) (*gateway.ScanStatus, error) {
	if !c.scanning.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}

	// A scan started from the gateway's own UI is invisible to the flag.
	if status, err := c.gw.ScanStatus(ctx); err != nil {
		log.Debug().Err(err).Msg("Could not read scan status before starting a scan")
	} else if status.IsRunning() {
		c.scanning.Store(false)
		return nil, ErrScanInProgress
	}

	scanID := uuid.NewString()
	status, err := c.gw.StartScan(ctx, newInstallation)
	if err != nil {
		c.scanning.Store(false)
		return nil, fmt.Errorf("start scan: %w", err)
	}

	log.Info().
		Str("scan_id", scanID).
		Bool("new_installation", newInstallation).
		Msg("Bus scan started")
	c.appendLedger(ledger.EventScanStarted, scanID, "", map[string]any{"new_installation": newInstallation})

	c.workers.Add(1)
	go c.watchScan(scanID, newInstallation)

	return status, nil
}

// ScanStatus asks the gateway for the state of the current or last scan.
func (c *Coordinator) ScanStatus(ctx context.Context) (*gateway.ScanStatus, error) {
	return c.gw.ScanStatus(ctx)
}

// ScanRunning reports whether a scan started through this coordinator is
// still being watched.
func (c *Coordinator) ScanRunning() bool {
	return c.scanning.Load()
}

func (c *Coordinator) watchScan(scanID string, newInstallation bool) {
	defer c.workers.Done()
	defer c.scanning.Store(false)

	started := c.now()
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ScanTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ScanPollInterval)
	defer ticker.Stop()

	timedOut := false
poll:
	for {
		select {
		case <-ctx.Done():
			if c.ctx.Err() != nil {
				return
			}
			timedOut = true
			log.Warn().Str("scan_id", scanID).Dur("timeout", c.cfg.ScanTimeout).Msg("Bus scan did not finish in time")
			break poll

		case <-ticker.C:
			status, err := c.gw.ScanStatus(ctx)
			if err != nil {
				log.Debug().Err(err).Str("scan_id", scanID).Msg("Scan status poll failed")
				continue
			}
			if !status.IsRunning() {
				break poll
			}
			log.Debug().Str("scan_id", scanID).Float64("progress", status.Progress).Msg("Bus scan running")
		}
	}

	// Addresses may have moved; nothing recorded before the scan still holds.
	c.cache.Clear()

	refreshErr := c.Refresh(c.ctx)
	devices := 0
	if snap := c.snapshot.Load(); snap != nil {
		devices = snap.Len()
	}

	payload := map[string]any{
		"new_installation": newInstallation,
		"devices":          devices,
		"timed_out":        timedOut,
		"duration_ms":      c.now().Sub(started).Milliseconds(),
	}
	if refreshErr != nil {
		payload["error"] = refreshErr.Error()
		log.Warn().Err(refreshErr).Str("scan_id", scanID).Msg("Refresh after scan failed")
	}

	log.Info().Str("scan_id", scanID).Int("devices", devices).Msg("Bus scan completed")
	c.appendLedger(ledger.EventScanCompleted, scanID, "", payload)
	c.publish(eventbus.EventScanCompleted, payload)
}

// UpdateDeviceGroups replaces the group membership of a device.
func (c *Coordinator) UpdateDeviceGroups(ctx context.Context, deviceID int, groups []int) error {
	if err := validateDevice(deviceID); err != nil {
		return err
	}
	for _, g := range groups {
		if err := validateGroup(g); err != nil {
			return err
		}
	}

	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()

	current, err := c.currentGroups(ctx, deviceID)
	if err != nil {
		return err
	}
	return c.writeGroups(ctx, deviceID, current, normalize(groups))
}

// AddToGroup adds a device to one group, keeping its other memberships.
func (c *Coordinator) AddToGroup(ctx context.Context, deviceID, groupID int) error {
	if err := validateDevice(deviceID); err != nil {
		return err
	}
	if err := validateGroup(groupID); err != nil {
		return err
	}

	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()

	current, err := c.currentGroups(ctx, deviceID)
	if err != nil {
		return err
	}
	if slices.Contains(current, groupID) {
		log.Debug().Int("device", deviceID).Int("group", groupID).Msg("Device already in group")
		return nil
	}
	return c.writeGroups(ctx, deviceID, current, normalize(append(slices.Clone(current), groupID)))
}

// RemoveFromGroup removes a device from one group.
func (c *Coordinator) RemoveFromGroup(ctx context.Context, deviceID, groupID int) error {
	if err := validateDevice(deviceID); err != nil {
		return err
	}
	if err := validateGroup(groupID); err != nil {
		return err
	}

	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()

	current, err := c.currentGroups(ctx, deviceID)
	if err != nil {
		return err
	}
	if !slices.Contains(current, groupID) {
		log.Debug().Int("device", deviceID).Int("group", groupID).Msg("Device not in group")
		return nil
	}
	next := slices.DeleteFunc(slices.Clone(current), func(g int) bool { return g == groupID })
	return c.writeGroups(ctx, deviceID, current, next)
}

// currentGroups reads membership from the gateway rather than the snapshot,
// which may predate a change made elsewhere.
func (c *Coordinator) currentGroups(ctx context.Context, deviceID int) ([]int, error) {
	d, err := c.gw.Device(ctx, deviceID)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, fmt.Errorf("%w: device %d", state.ErrUnknownTarget, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("read groups of device %d: %w", deviceID, err)
	}
	return validGroups(d.Groups), nil
}

func (c *Coordinator) writeGroups(ctx context.Context, deviceID int, before, after []int) error {
	correlationID := uuid.NewString()

	if err := c.gw.SetDeviceGroups(ctx, deviceID, after); err != nil {
		return fmt.Errorf("set groups of device %d: %w", deviceID, err)
	}

	c.cache.Invalidate(state.DeviceKey(deviceID))
	for _, g := range normalize(append(slices.Clone(before), after...)) {
		c.cache.Invalidate(state.GroupKey(g))
	}

	log.Info().
		Int("device", deviceID).
		Ints("before", before).
		Ints("after", after).
		Msg("Device group membership changed")

	payload := map[string]any{"before": before, "after": after}
	c.appendLedger(ledger.EventMembershipChanged, correlationID, state.DeviceKey(deviceID).String(), payload)
	c.publish(eventbus.EventMembershipChanged, map[string]any{"device": deviceID, "before": before, "after": after})

	// The write succeeded; a failed refresh only delays visibility.
	if err := c.Refresh(ctx); err != nil {
		log.Warn().Err(err).Int("device", deviceID).Msg("Refresh after membership change failed")
	}
	return nil
}

func validateDevice(id int) error {
	if !state.ValidDeviceID(id) {
		return fmt.Errorf("%w: device id %d not in 0-%d", state.ErrInvalidArgument, id, state.MaxDeviceID)
	}
	return nil
}

func validateGroup(id int) error {
	if !state.ValidGroupID(id) {
		return fmt.Errorf("%w: group id %d not in 0-%d", state.ErrInvalidArgument, id, state.MaxGroupID)
	}
	return nil
}
