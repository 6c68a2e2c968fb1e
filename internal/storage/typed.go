package storage

import (
	"encoding/json"
	"fmt"
)

// TypedStore wraps Store with JSON marshaling for a specific type.
type TypedStore[T any] struct {
	store *Store
	kind  string
}

// NewTypedStore creates a new typed store wrapper for the given kind.
func NewTypedStore[T any](store *Store, kind string) *TypedStore[T] {
	return &TypedStore[T]{
		store: store,
		kind:  kind,
	}
}

// Kind returns the resource kind this store handles.
func (s *TypedStore[T]) Kind() string {
	return s.kind
}

// Get retrieves and unmarshals the value for an ID.
// Returns zero value and version 0 if not found.
func (s *TypedStore[T]) Get(id string) (value T, version int64, err error) {
	payload, version, err := s.store.Get(s.kind, id)
	if err != nil {
		return value, 0, err
	}
	if payload == nil {
		return value, 0, nil
	}
	if err := json.Unmarshal(payload, &value); err != nil {
		return value, 0, fmt.Errorf("failed to unmarshal %s %s: %w", s.kind, id, err)
	}
	return value, version, nil
}

// Set marshals and stores the value for an ID.
func (s *TypedStore[T]) Set(id string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", s.kind, id, err)
	}
	return s.store.Set(s.kind, id, payload)
}

// ReplaceAll stores values and deletes every other entry of this kind.
func (s *TypedStore[T]) ReplaceAll(values map[string]T) error {
	payloads := make(map[string][]byte, len(values))
	for id, v := range values {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s: %w", s.kind, id, err)
		}
		payloads[id] = payload
	}
	return s.store.ReplaceAll(s.kind, payloads)
}

// Delete removes the value for an ID.
func (s *TypedStore[T]) Delete(id string) error {
	return s.store.Delete(s.kind, id)
}

// Clear removes all values of this kind.
func (s *TypedStore[T]) Clear() error {
	return s.store.Clear(s.kind)
}

// GetAll retrieves all entries for this kind.
func (s *TypedStore[T]) GetAll() (map[string]T, map[string]int64, error) {
	payloads, versions, err := s.store.GetAll(s.kind)
	if err != nil {
		return nil, nil, err
	}

	values := make(map[string]T, len(payloads))
	for id, payload := range payloads {
		var value T
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal %s %s: %w", s.kind, id, err)
		}
		values[id] = value
	}
	return values, versions, nil
}
