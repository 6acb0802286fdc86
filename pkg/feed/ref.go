package feed

import "sync"

// Ref is the content handle for feed items. Feed entries have no native
// surface to manipulate, so hiding just flips a local flag that keeps the
// item out of any rendered view.
type Ref struct {
	mu     sync.Mutex
	hidden bool
}

// Hide marks the item hidden. Safe to call multiple times.
func (r *Ref) Hide() {
	r.mu.Lock()
	r.hidden = true
	r.mu.Unlock()
}

// Hidden reports whether the item was hidden
func (r *Ref) Hidden() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hidden
}
