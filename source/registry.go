package source

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/pulse/ratelimit"
)

// Registry holds every source known to the process.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds src. Names are unique.
func (r *Registry) Register(src Source) error {
	name := src.Name()
	if strings.TrimSpace(name) == "" {
		return errors.NewInvalidRequestError("source name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return errors.Wrapf(errors.ErrConflict, "source already registered: %s", name)
	}
	r.sources[name] = src
	return nil
}

// Get retrieves a source by name.
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	return src, ok
}

// List returns all registered source names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select resolves names to sources, preserving order and dropping repeats.
// No names, or the single name "all", selects every source.
func (r *Registry) Select(names []string) ([]Source, error) {
	if len(names) == 0 || (len(names) == 1 && names[0] == "all") {
		names = r.List()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	selected := make([]Source, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		src, ok := r.sources[name]
		if !ok {
			return nil, errors.WithHintf(errors.NewNotFoundError("unknown source %q", name),
				"Registered sources: %s", strings.Join(r.namesLocked(), ", "))
		}
		selected = append(selected, src)
	}
	if len(selected) == 0 {
		return nil, errors.NewInvalidRequestError("no sources registered")
	}
	return selected, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyHints passes every source's published limits to limits. Sources that
// publish nothing keep the registry defaults.
func (r *Registry) ApplyHints(limits *ratelimit.Registry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, src := range r.sources {
		if hints := src.RateLimitHints(); hints != (ratelimit.Limits{}) {
			limits.Hint(name, hints)
		}
	}
}

// LoadCatalogs registers every catalog found at paths. A path is either a
// catalog file or a directory of them; missing paths are skipped.
func (r *Registry) LoadCatalogs(paths []string) (int, error) {
	loaded := 0
	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return loaded, errors.Wrapf(err, "failed to stat catalog path %s", p)
		}

		var catalogs []*Catalog
		if info.IsDir() {
			catalogs, err = LoadCatalogDir(p)
		} else {
			var c *Catalog
			c, err = LoadCatalog(p)
			catalogs = []*Catalog{c}
		}
		if err != nil {
			return loaded, err
		}

		for _, c := range catalogs {
			if err := r.Register(c); err != nil {
				return loaded, errors.Wrapf(err, "catalog %s", p)
			}
			loaded++
		}
	}
	return loaded, nil
}
