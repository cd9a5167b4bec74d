package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownStage is returned when a stage name is not registered.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrUnknownCase is returned when a case name is not registered.
	ErrUnknownCase = errors.New("unknown case")
)

// PlayFunc overrides the play step of a stage.
type PlayFunc func(ctx context.Context, s *Stage) error

// TuneFunc overrides the tune step of a stage.
type TuneFunc func(ctx context.Context, s *Stage) (Record, error)

// Definition describes a stage type.
type Definition struct {
	Name string
	// URL is the default entry URL used when a stage is built without one.
	URL   string
	Route Route
	// Next names the stage type used for links scraped by this stage.
	// Empty means the stage repeats itself.
	Next string
	// Case names the persistence handler. Empty disables persistence.
	Case         string
	Play         PlayFunc
	Tune         TuneFunc
	FetchOptions FetchOptions
}

// Registry maps stable identifiers to stage definitions and case factories.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]*Definition
	cases  map[string]CaseFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]*Definition),
		cases:  make(map[string]CaseFactory),
	}
}

// RegisterStage adds a stage definition.
func (r *Registry) RegisterStage(def Definition) error {
	if def.Name == "" {
		return errors.New("stage name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[def.Name]; ok {
		return fmt.Errorf("stage %q already registered", def.Name)
	}
	d := def
	r.stages[def.Name] = &d
	return nil
}

// RegisterCase adds a case factory.
func (r *Registry) RegisterCase(name string, factory CaseFactory) error {
	if name == "" {
		return errors.New("case name is required")
	}
	if factory == nil {
		return fmt.Errorf("case %q has no factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cases[name]; ok {
		return fmt.Errorf("case %q already registered", name)
	}
	r.cases[name] = factory
	return nil
}

// Stage looks up a stage definition.
func (r *Registry) Stage(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return def, nil
}

// Case looks up a case factory.
func (r *Registry) Case(name string) (CaseFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.cases[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCase, name)
	}
	return factory, nil
}

// Stages returns the registered stage names in sorted order.
func (r *Registry) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every Next and Case reference resolves.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, name := range sortedKeys(r.stages) {
		def := r.stages[name]
		if def.Next != "" {
			if _, ok := r.stages[def.Next]; !ok {
				errs = append(errs, fmt.Errorf("stage %q: next %w: %q", name, ErrUnknownStage, def.Next))
			}
		}
		if def.Case != "" {
			if _, ok := r.cases[def.Case]; !ok {
				errs = append(errs, fmt.Errorf("stage %q: %w: %q", name, ErrUnknownCase, def.Case))
			}
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]*Definition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
