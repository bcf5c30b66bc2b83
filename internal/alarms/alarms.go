// Package alarms implements the alarm dispatcher (C6): it evaluates
// every incoming alarm record against each configured filter (C5),
// keeps a matching/ignored instance set per filter, and broadcasts
// count changes to whatever is waiting on WaitChange -- grounded on
// original_source/src/actions/alarm_dispatcher.rs's AlarmDispatcher
// trait and its (current, future) wait shape. When a filter declares
// tag names, the dispatcher also emits matching/ignored counts as tag
// writes through a TagWriter on every change (spec section 4.6).
package alarms

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/openpipe-hmi/annunciator/internal/alarmfilter"
	"github.com/openpipe-hmi/annunciator/internal/annerr"
)

// TagWriter is the subset of internal/tagwriter.Writer the dispatcher
// needs to publish a filter's matching/ignored counts. Declared
// locally (rather than importing tagwriter directly) so a Dispatcher
// can be used without pulling in the Open Pipe transport at all;
// *tagwriter.Box satisfies this structurally.
type TagWriter interface {
	Publish(tag, value string) <-chan error
}

// sentinelState is a value the upstream alarm source uses as a
// keep-alive pulse rather than a real state transition. Records
// carrying it are never evaluated against any filter -- see the
// "state == 128" design note recorded in DESIGN.md.
const sentinelState = 128

type key struct {
	id         int
	instanceID int
}

type filterEntry struct {
	expr            alarmfilter.Expr
	matching        map[key]struct{}
	ignored         map[key]struct{}
	ignorePermanent bool
	changed         chan struct{}

	// tagMatching and tagIgnored, if non-empty, name the tags this
	// filter's matching/ignored counts are published to on every
	// change (spec section 4.6).
	tagMatching string
	tagIgnored  string
}

func newFilterEntry(expr alarmfilter.Expr, tagMatching, tagIgnored string) *filterEntry {
	return &filterEntry{
		expr:        expr,
		matching:    make(map[key]struct{}),
		ignored:     make(map[key]struct{}),
		changed:     make(chan struct{}),
		tagMatching: tagMatching,
		tagIgnored:  tagIgnored,
	}
}

func (f *filterEntry) count() int { return len(f.matching) }

func (f *filterEntry) wake() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// Dispatcher tracks every named filter's view of the alarm population.
type Dispatcher struct {
	mu      sync.Mutex
	records map[key]alarmfilter.AlarmRecord
	filters map[string]*filterEntry
	writer  TagWriter
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		records: make(map[key]alarmfilter.AlarmRecord),
		filters: make(map[string]*filterEntry),
	}
}

// SetWriter wires the tag writer used to publish matching/ignored
// counts for filters configured with tag names. Called once during
// config.Build; nil (the zero value) is a valid state meaning no
// counts are published.
func (d *Dispatcher) SetWriter(w TagWriter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writer = w
}

// AddFilter registers a named filter compiled by alarmfilter.Parse.
// Filters must be declared before OnAlarm or WaitChange reference them.
// tagMatching and tagIgnored, if non-empty, are the tag names spec
// section 6's <filter> declares for publishing this filter's
// matching/ignored counts.
func (d *Dispatcher) AddFilter(name string, expr alarmfilter.Expr, tagMatching, tagIgnored string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.filters[name]; !ok {
		d.filters[name] = newFilterEntry(expr, tagMatching, tagIgnored)
	}
}

// emitTagWrites publishes a filter's current matching/ignored counts
// to its configured tags, if any. Best-effort: the write is fired
// asynchronously and a failed or unacknowledged write is only logged,
// never returned to the alarm-processing caller, which must never
// block behind a controller's egress acknowledgment.
func (d *Dispatcher) emitTagWrites(f *filterEntry, matchingCount, ignoredCount int) {
	if d.writer == nil {
		return
	}
	if f.tagMatching != "" {
		d.publishCount(f.tagMatching, matchingCount)
	}
	if f.tagIgnored != "" {
		d.publishCount(f.tagIgnored, ignoredCount)
	}
}

func (d *Dispatcher) publishCount(tag string, count int) {
	ack := d.writer.Publish(tag, strconv.Itoa(count))
	go func() {
		select {
		case err := <-ack:
			if err != nil {
				log.Printf("alarms: tag write %s: %v", tag, err)
			}
		case <-time.After(500 * time.Millisecond):
			log.Printf("alarms: tag write %s: no acknowledgment", tag)
		}
	}()
}

// OnAlarm applies one alarm record update from the Open Pipe transport
// to every configured filter, updating matching/ignored sets and
// waking any filter whose visible count changed.
func (d *Dispatcher) OnAlarm(r alarmfilter.AlarmRecord) {
	if int(r.State) == sentinelState {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	k := key{id: r.ID, instanceID: r.InstanceID}
	d.records[k] = r

	removed := r.State == alarmfilter.Removed

	for _, f := range d.filters {
		_, wasIgnored := f.ignored[k]
		beforeMatching := f.count()
		beforeIgnored := len(f.ignored)

		switch {
		case removed, !f.expr.Eval(&r):
			delete(f.matching, k)
			delete(f.ignored, k)
		case wasIgnored || f.ignorePermanent:
			f.ignored[k] = struct{}{}
			delete(f.matching, k)
		default:
			f.matching[k] = struct{}{}
		}

		afterMatching, afterIgnored := f.count(), len(f.ignored)
		if afterMatching != beforeMatching {
			f.wake()
		}
		if afterMatching != beforeMatching || afterIgnored != beforeIgnored {
			d.emitTagWrites(f, afterMatching, afterIgnored)
		}
	}
}

// Count returns the number of instances currently matching the named
// filter and not ignored.
func (d *Dispatcher) Count(name string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.filters[name]
	if !ok {
		return 0, annerr.NotFoundf("alarm filter %q is not declared", name)
	}
	return f.count(), nil
}

// WaitChange blocks until the named filter's matching count next
// changes, returning the new count.
func (d *Dispatcher) WaitChange(ctx context.Context, name string) (int, error) {
	d.mu.Lock()
	f, ok := d.filters[name]
	if !ok {
		d.mu.Unlock()
		return 0, annerr.NotFoundf("alarm filter %q is not declared", name)
	}
	before := f.count()
	ch := f.changed
	d.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return before, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return f.count(), nil
}

// IgnoreMatching moves every instance currently matching the named
// filter into its ignored set. If permanent, instances that start
// matching afterward are ignored too, until Restore is called.
func (d *Dispatcher) IgnoreMatching(name string, permanent bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.filters[name]
	if !ok {
		return annerr.NotFoundf("alarm filter %q is not declared", name)
	}
	beforeMatching := f.count()
	beforeIgnored := len(f.ignored)
	for k := range f.matching {
		f.ignored[k] = struct{}{}
		delete(f.matching, k)
	}
	f.ignorePermanent = permanent
	afterMatching, afterIgnored := f.count(), len(f.ignored)
	if afterMatching != beforeMatching {
		f.wake()
	}
	if afterMatching != beforeMatching || afterIgnored != beforeIgnored {
		d.emitTagWrites(f, afterMatching, afterIgnored)
	}
	return nil
}

// Restore clears the named filter's ignored set and permanent-ignore
// flag, re-evaluating every known record against the filter.
func (d *Dispatcher) Restore(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.filters[name]
	if !ok {
		return annerr.NotFoundf("alarm filter %q is not declared", name)
	}
	beforeMatching := f.count()
	beforeIgnored := len(f.ignored)
	f.ignored = make(map[key]struct{})
	f.ignorePermanent = false
	for k, r := range d.records {
		if r.State != alarmfilter.Removed && f.expr.Eval(&r) {
			f.matching[k] = struct{}{}
		}
	}
	afterMatching, afterIgnored := f.count(), len(f.ignored)
	if afterMatching != beforeMatching {
		f.wake()
	}
	if afterMatching != beforeMatching || afterIgnored != beforeIgnored {
		d.emitTagWrites(f, afterMatching, afterIgnored)
	}
	return nil
}
