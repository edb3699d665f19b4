package flight

import (
	"encoding/json"
	"fmt"
)

// StateKey is the working-state key used by TypedState when none is given.
const StateKey = "state"

// Upgrader converts a state document written at version from to the next version.
type Upgrader func(from int, data json.RawMessage) (json.RawMessage, error)

// TypedState adapts a versioned struct to the generic working-state bag.
// In-flight records written by an older binary are upgraded one version at
// a time on load. Records from a newer binary are rejected.
type TypedState[T any] struct {
	Key     string
	Version int
	Upgrade Upgrader
}

type stateEnvelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// NewTypedState returns an adapter storing T under StateKey at the given version.
func NewTypedState[T any](version int) TypedState[T] {
	return TypedState[T]{Key: StateKey, Version: version}
}

func (s TypedState[T]) key() string {
	if s.Key == "" {
		return StateKey
	}
	return s.Key
}

// Load decodes the state from p. A missing entry yields the zero value.
func (s TypedState[T]) Load(p *Parameters) (T, error) {
	var zero T
	var env stateEnvelope
	ok, err := p.Get(s.key(), &env)
	if err != nil {
		return zero, NewInternalError("corrupt flight state", err).WithCode(ErrCodeInvalidState)
	}
	if !ok {
		return zero, nil
	}
	if env.Version > s.Version {
		return zero, NewInternalError(
			fmt.Sprintf("flight state version %d is newer than supported version %d", env.Version, s.Version),
			nil,
		).WithCode(ErrCodeInvalidState)
	}
	data := env.Data
	for v := env.Version; v < s.Version; v++ {
		if s.Upgrade == nil {
			return zero, NewInternalError(fmt.Sprintf("no upgrade from flight state version %d", v), nil).
				WithCode(ErrCodeInvalidState)
		}
		data, err = s.Upgrade(v, data)
		if err != nil {
			return zero, NewInternalError(fmt.Sprintf("failed to upgrade flight state from version %d", v), err).
				WithCode(ErrCodeInvalidState)
		}
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, NewInternalError("corrupt flight state", err).WithCode(ErrCodeInvalidState)
	}
	return out, nil
}

// Store encodes value into p at the adapter's current version.
func (s TypedState[T]) Store(p *Parameters, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode flight state: %w", err)
	}
	return p.Put(s.key(), stateEnvelope{Version: s.Version, Data: data})
}

// Update loads the state, applies fn and stores the result.
func (s TypedState[T]) Update(p *Parameters, fn func(*T) error) error {
	v, err := s.Load(p)
	if err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		return err
	}
	return s.Store(p, v)
}
