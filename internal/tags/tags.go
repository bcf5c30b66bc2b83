// Package tags implements the tag dispatcher (C4): a registry of named
// string-valued signals, each with edge-triggered change notification,
// grounded on original_source/src/actions/tag_dispatcher.rs's
// TagDispatcher trait. Go's broadcast-channel idiom (close-and-replace
// under a lock) stands in for the Rust trait's per-tag future.
package tags

import (
	"sync"

	"github.com/openpipe-hmi/annunciator/internal/annerr"
)

type entry struct {
	value   string
	has     bool
	changed chan struct{}
}

// Dispatcher holds every tag known to the configuration and the
// current value (if any) of each.
type Dispatcher struct {
	mu   sync.RWMutex
	tags map[string]*entry
}

// New creates an empty dispatcher; tags are added with Declare as the
// configuration is loaded.
func New() *Dispatcher {
	return &Dispatcher{tags: make(map[string]*entry)}
}

// Declare registers a tag name so later lookups don't race its first
// Set. A tag declared twice is a no-op.
func (d *Dispatcher) Declare(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tags[name]; !ok {
		d.tags[name] = &entry{changed: make(chan struct{})}
	}
}

// Current returns the tag's value and whether it has ever been set.
func (d *Dispatcher) Current(name string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.tags[name]
	if !ok {
		return "", false, annerr.NotFoundf("tag %q is not declared", name)
	}
	return e.value, e.has, nil
}

// Set updates a tag's value and wakes every waiter, even if the new
// value equals the old one -- spec section 4.4 treats every Set as a
// broadcastable edge, not just value changes.
func (d *Dispatcher) Set(name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.tags[name]
	if !ok {
		return annerr.NotFoundf("tag %q is not declared", name)
	}
	e.value = value
	e.has = true
	close(e.changed)
	e.changed = make(chan struct{})
	return nil
}

// Watch returns the tag's current value (and whether it has one) along
// with a channel that becomes readable the next time the tag changes.
// Callers compare the condition against (value, has) first, then
// select on changed before re-checking -- the same pattern
// wait_tag.rs's (current, future) pair enables.
func (d *Dispatcher) Watch(name string) (value string, has bool, changed <-chan struct{}, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.tags[name]
	if !ok {
		return "", false, nil, annerr.NotFoundf("tag %q is not declared", name)
	}
	return e.value, e.has, e.changed, nil
}

// Names returns every declared tag name, for diagnostics.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.tags))
	for n := range d.tags {
		out = append(out, n)
	}
	return out
}
