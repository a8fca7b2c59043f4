package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownIndex is returned when no search context is registered under a name.
var ErrUnknownIndex = errors.New("unknown index")

// Registry maps index names to the search contexts that can be exported.
// It only stores references; registered contexts stay owned by the caller.
type Registry struct {
	mu       sync.RWMutex
	contexts map[string]SearchContext
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		contexts: make(map[string]SearchContext),
	}
}

// Register adds a search context under name
func (r *Registry) Register(name string, sc SearchContext) error {
	if name == "" {
		return fmt.Errorf("index name cannot be empty")
	}
	if sc == nil {
		return fmt.Errorf("search context for index '%s' is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contexts[name]; exists {
		return fmt.Errorf("index '%s' already registered", name)
	}

	r.contexts[name] = sc
	return nil
}

// Unregister removes name. Tasks already created for it keep their reference.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, name)
}

// Get retrieves the search context registered under name
func (r *Registry) Get(name string) (SearchContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sc, exists := r.contexts[name]
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownIndex, name)
	}

	return sc, nil
}

// Names returns the registered index names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.contexts))
	for name := range r.contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewTask creates an ExportTask for the index registered under name.
func (r *Registry) NewTask(name string, complete CompletionFunc, opts ...Option) (*ExportTask, error) {
	sc, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithIndex(name)}, opts...)
	return NewExportTask(sc, complete, opts...), nil
}
