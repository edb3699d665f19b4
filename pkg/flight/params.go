package flight

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Parameters is a key to typed-value bag. Values are held in their JSON
// encoding so that the bag round-trips through the store unchanged.
type Parameters struct {
	values map[string]json.RawMessage
}

// NewParameters returns an empty bag.
func NewParameters() *Parameters {
	return &Parameters{values: make(map[string]json.RawMessage)}
}

// ParametersFromMap builds a bag from plain values.
func ParametersFromMap(m map[string]interface{}) (*Parameters, error) {
	p := NewParameters()
	for k, v := range m {
		if err := p.Put(k, v); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Put stores value under key, replacing any previous value.
func (p *Parameters) Put(key string, value interface{}) error {
	if key == "" {
		return fmt.Errorf("parameter key is required")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode parameter %q: %w", key, err)
	}
	if p.values == nil {
		p.values = make(map[string]json.RawMessage)
	}
	p.values[key] = raw
	return nil
}

// Get decodes the value under key into out. It reports false if the key is absent.
func (p *Parameters) Get(key string, out interface{}) (bool, error) {
	raw, ok := p.values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("failed to decode parameter %q: %w", key, err)
	}
	return true, nil
}

// GetString returns the string under key, or "" when absent or not a string.
func (p *Parameters) GetString(key string) string {
	var s string
	if ok, err := p.Get(key, &s); !ok || err != nil {
		return ""
	}
	return s
}

// Raw returns the encoded value under key.
func (p *Parameters) Raw(key string) (json.RawMessage, bool) {
	raw, ok := p.values[key]
	return raw, ok
}

// Contains reports whether key is present.
func (p *Parameters) Contains(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Delete removes key.
func (p *Parameters) Delete(key string) {
	delete(p.values, key)
}

// Keys returns the keys in sorted order.
func (p *Parameters) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (p *Parameters) Len() int {
	return len(p.values)
}

// Clone returns a deep copy.
func (p *Parameters) Clone() *Parameters {
	c := NewParameters()
	for k, v := range p.values {
		c.values[k] = append(json.RawMessage(nil), v...)
	}
	return c
}

// MarshalJSON encodes the bag as a JSON object.
func (p *Parameters) MarshalJSON() ([]byte, error) {
	if p == nil || p.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.values)
}

// UnmarshalJSON decodes a JSON object into the bag.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	p.values = values
	return nil
}

// Inputs is the read-only view of a flight's input parameters.
type Inputs struct {
	params *Parameters
}

// NewInputs wraps a bag as read-only inputs. The bag is copied.
func NewInputs(p *Parameters) Inputs {
	if p == nil {
		return Inputs{params: NewParameters()}
	}
	return Inputs{params: p.Clone()}
}

// Get decodes the input under key into out.
func (in Inputs) Get(key string, out interface{}) (bool, error) {
	if in.params == nil {
		return false, nil
	}
	return in.params.Get(key, out)
}

// GetString returns the string input under key.
func (in Inputs) GetString(key string) string {
	if in.params == nil {
		return ""
	}
	return in.params.GetString(key)
}

// Contains reports whether key is present.
func (in Inputs) Contains(key string) bool {
	return in.params != nil && in.params.Contains(key)
}

// Keys returns the input keys in sorted order.
func (in Inputs) Keys() []string {
	if in.params == nil {
		return nil
	}
	return in.params.Keys()
}

// Parameters returns a copy of the underlying bag.
func (in Inputs) Parameters() *Parameters {
	if in.params == nil {
		return NewParameters()
	}
	return in.params.Clone()
}

// Reserved keys shared between steps and the engine.
const (
	// KeyResponse holds the flight's response payload.
	KeyResponse = "response"
	// KeyStatusCode holds an optional status code override.
	KeyStatusCode = "status_code"
	// KeyParentFlightID links a flight to the flight that launched it.
	KeyParentFlightID = "parent_flight_id"
	// KeySubjectID records the submitting principal.
	KeySubjectID = "subject_id"
)
