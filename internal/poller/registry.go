package poller

import (
	"slices"
	"strings"
	"sync"

	"github.com/pipewatch/pipewatch/internal/gitlab"
)

// Registry is the in-memory list of projects the observer watches. The
// backfill is its single writer; HTTP handlers read snapshots.
type Registry struct {
	mu       sync.RWMutex
	projects []gitlab.Project
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Replace swaps the monitored set wholesale, sorted by full path so readers
// see a stable order.
func (r *Registry) Replace(projects []gitlab.Project) {
	sorted := slices.Clone(projects)
	slices.SortFunc(sorted, func(a, b gitlab.Project) int {
		return strings.Compare(a.FullPath, b.FullPath)
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	r.projects = sorted
}

// Projects returns a copy of the monitored set.
func (r *Registry) Projects() []gitlab.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.projects)
}

// Len reports how many projects are monitored.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.projects)
}
