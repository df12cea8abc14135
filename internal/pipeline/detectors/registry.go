package detectors

import (
	"fmt"
	"sort"
	"sync"

	"personscan/internal/pipeline"
)

// Detector names used by the serve command
const (
	BodyDetectorName = "body"
	FaceDetectorName = "face"
)

// Registry manages available detectors
type Registry struct {
	detectors map[string]pipeline.Detector
	mu        sync.RWMutex
}

// NewRegistry creates a new detector registry
func NewRegistry() *Registry {
	return &Registry{
		detectors: make(map[string]pipeline.Detector),
	}
}

// Register adds a detector to the registry
func (r *Registry) Register(detector pipeline.Detector) error {
	if detector == nil {
		return fmt.Errorf("detector cannot be nil")
	}

	name := detector.Name()
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}

	r.detectors[name] = detector
	return nil
}

// Get returns a detector by name
func (r *Registry) Get(name string) (pipeline.Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// Health reports the health of every registered detector
func (r *Registry) Health() map[string]bool {
	names := r.Names()
	health := make(map[string]bool, len(names))
	for _, name := range names {
		if d, ok := r.Get(name); ok {
			health[name] = d.IsHealthy()
		}
	}
	return health
}

// Names returns the sorted names of all registered detectors
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all detector resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, d := range r.detectors {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("error closing detector %q: %w", name, err)
		}
		delete(r.detectors, name)
	}
	return firstErr
}
