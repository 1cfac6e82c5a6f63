package observability

import "sync"

// Once guards a log line so it is emitted at most once for the lifetime of
// the value. Workers share a single Once built at startup.
type Once struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewOnce creates an empty guard.
func NewOnce() *Once {
	return &Once{seen: make(map[string]bool)}
}

// Do runs fn the first time key is seen and reports whether it ran.
func (o *Once) Do(key string, fn func()) bool {
	o.mu.Lock()
	if o.seen[key] {
		o.mu.Unlock()
		return false
	}
	o.seen[key] = true
	o.mu.Unlock()

	fn()
	return true
}
