// Package overrides keeps short-lived optimistic values for entities we just
// commanded, so a refresh that has not caught up with the bus yet does not
// flip the visible state back.
package overrides

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dalid/internal/state"
)

// DefaultTTL is the grace period used when Record is called with ttl <= 0.
const DefaultTTL = 5 * time.Second

type entryKey struct {
	entity state.Key
	field  state.Field
}

type entry struct {
	value      state.Fields // exactly one field set
	recordedAt time.Time
	expiresAt  time.Time
}

// Cache stores overrides keyed by (entity, field). Expired entries are
// dropped when they are read; nothing is scheduled.
type Cache struct {
	mu      sync.Mutex
	entries map[entryKey]entry
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache with the given default grace period.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[entryKey]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// TTL returns the default grace period.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Record stores every set field of fields for key until now+ttl. A newer
// value for the same field replaces the old one and restarts its window.
func (c *Cache) Record(key state.Key, fields state.Fields, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, field := range fields.Names() {
		c.entries[entryKey{entity: key, field: field}] = entry{
			value:      fields.Only(field),
			recordedAt: now,
			expiresAt:  now.Add(ttl),
		}
	}

	log.Debug().
		Str("entity", key.String()).
		Interface("fields", fields.Names()).
		Dur("ttl", ttl).
		Msg("Optimistic override recorded")
}

// Resolve returns authoritative with all live overrides for key applied.
func (c *Cache) Resolve(key state.Key, authoritative state.LightState) state.LightState {
	return authoritative.Apply(c.Pending(key))
}

// Pending returns the live overrides for key.
func (c *Cache) Pending(key state.Key) state.Fields {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out state.Fields
	for _, field := range state.AllFields {
		k := entryKey{entity: key, field: field}
		e, ok := c.entries[k]
		if !ok {
			continue
		}
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		out = out.Merge(e.value)
	}
	return out
}

// Confirm drops overrides for key that authoritative already reflects,
// provided the gateway read began after the override was recorded. A read
// that started earlier cannot confirm a later command. Returns the number of
// overrides dropped.
func (c *Cache) Confirm(key state.Key, authoritative state.LightState, readStartedAt time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for _, field := range state.AllFields {
		k := entryKey{entity: key, field: field}
		e, ok := c.entries[k]
		if !ok {
			continue
		}
		if !e.recordedAt.Before(readStartedAt) {
			continue
		}
		if authoritative.Matches(e.value, field) {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}

// Invalidate removes every override for key.
func (c *Cache) Invalidate(key state.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.entries {
		if k.entity == key {
			delete(c.entries, k)
		}
	}
}

// Clear removes all overrides.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[entryKey]entry)
}

// Purge removes expired overrides and returns how many were dropped.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			purged++
		}
	}
	return purged
}

// Len returns the number of stored overrides, including expired ones not
// yet purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
