// Package locks provides an in-process registry of file paths held open by
// write targets, consulted by the store cleaner so it never deletes files
// under an open target. OS advisory locks are not used because writers and
// the cleaner share one process.
package locks

import "sync"

// Registry is a concurrency-safe refcounted path set.
type Registry struct {
	mu   sync.Mutex
	held map[string]int
}

func NewRegistry() *Registry {
	return &Registry{held: make(map[string]int)}
}

// Acquire registers the given paths as in use.
func (r *Registry) Acquire(paths ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range paths {
		r.held[p]++
	}
}

// Release drops one reference from each path, removing entries whose count
// reaches zero. Releasing an unheld path is a no-op.
func (r *Registry) Release(paths ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range paths {
		if n, ok := r.held[p]; ok {
			if n <= 1 {
				delete(r.held, p)
			} else {
				r.held[p] = n - 1
			}
		}
	}
}

// Held reports whether any open target currently holds the path.
func (r *Registry) Held(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[path] > 0
}

// Len returns the number of distinct held paths.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
