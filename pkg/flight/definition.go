package flight

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/flightdeck/pkg/retry"
)

// StepSpec is one step of a flight definition.
type StepSpec struct {
	Name  string
	Step  Step
	Retry retry.Rule
}

// Definition is the ordered step list of a flight class.
type Definition struct {
	Class string
	Steps []StepSpec
}

// NewDefinition returns an empty definition for class.
func NewDefinition(class string) *Definition {
	return &Definition{Class: class}
}

// AddStep appends a step. A nil rule means the step is never retried.
func (d *Definition) AddStep(name string, step Step, rule retry.Rule) *Definition {
	if rule == nil {
		rule = retry.None{}
	}
	d.Steps = append(d.Steps, StepSpec{Name: name, Step: step, Retry: rule})
	return d
}

// Validate checks that the definition can be executed.
func (d *Definition) Validate() error {
	if d.Class == "" {
		return fmt.Errorf("flight class is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("flight %s has no steps", d.Class)
	}
	for i, s := range d.Steps {
		if s.Step == nil {
			return fmt.Errorf("flight %s step %d has no implementation", d.Class, i)
		}
		if s.Name == "" {
			return fmt.Errorf("flight %s step %d has no name", d.Class, i)
		}
	}
	return nil
}

// Constructor rebuilds the definition of a flight from its inputs. It runs
// at submission and again whenever a worker resumes the flight, so it must
// be deterministic.
type Constructor func(inputs Inputs) (*Definition, error)

// Registry maps flight classes to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor. Registering a class twice is an error.
func (r *Registry) Register(class string, ctor Constructor) error {
	if class == "" {
		return fmt.Errorf("flight class is required")
	}
	if ctor == nil {
		return fmt.Errorf("constructor for flight class %s is nil", class)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[class]; exists {
		return fmt.Errorf("flight class %s already registered", class)
	}
	r.ctors[class] = ctor
	return nil
}

// MustRegister is Register that panics on error. Intended for init-time wiring.
func (r *Registry) MustRegister(class string, ctor Constructor) {
	if err := r.Register(class, ctor); err != nil {
		panic(err)
	}
}

// Has reports whether class is registered.
func (r *Registry) Has(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[class]
	return ok
}

// Classes returns the registered classes in sorted order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classes := make([]string, 0, len(r.ctors))
	for c := range r.ctors {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

// Build constructs and validates the definition for class.
func (r *Registry) Build(class string, inputs Inputs) (*Definition, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[class]
	r.mu.RUnlock()
	if !ok {
		return nil, NewInternalError(fmt.Sprintf("unknown flight class %s", class), nil).WithCode(ErrCodeUnknownClass)
	}
	def, err := ctor(inputs)
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("failed to construct flight %s", class), err)
	}
	if def.Class == "" {
		def.Class = class
	}
	if err := def.Validate(); err != nil {
		return nil, NewInternalError("invalid flight definition", err)
	}
	return def, nil
}
