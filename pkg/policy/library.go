package policy

import (
	"sort"
	"sync"
)

// Library is the process-wide set of named policy profiles. Reads vastly
// outnumber writes; writes happen only when the patch pipeline swaps a
// profile after a successful file write. Readers may observe the old or new
// profile but never a half-written one.
type Library struct {
	mu       sync.RWMutex
	profiles map[string]*CompiledProfile
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{profiles: make(map[string]*CompiledProfile)}
}

// Put installs or replaces a compiled profile.
func (l *Library) Put(cp *CompiledProfile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profiles[cp.Profile.Name] = cp
}

// Get returns the named compiled profile.
func (l *Library) Get(name string) (*CompiledProfile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp, ok := l.profiles[name]
	return cp, ok
}

// Has reports whether the named profile exists.
func (l *Library) Has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.profiles[name]
	return ok
}

// Names returns all profile names in lexicographic order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.profiles))
	for n := range l.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CloneWith returns a detached copy of the library with one profile
// replaced (or added). The patch simulator uses it to build the after-state
// without touching the live library.
func (l *Library) CloneWith(cp *CompiledProfile) *Library {
	l.mu.RLock()
	defer l.mu.RUnlock()
	clone := &Library{profiles: make(map[string]*CompiledProfile, len(l.profiles)+1)}
	for n, p := range l.profiles {
		clone.profiles[n] = p
	}
	if cp != nil {
		clone.profiles[cp.Profile.Name] = cp
	}
	return clone
}
