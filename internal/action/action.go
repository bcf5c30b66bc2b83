// Package action implements the action tree (C7): the composable
// vocabulary every state's behavior is built from. Each node is
// grounded on the matching file under original_source/src/actions/;
// Sequence/Parallel/Repeat/Wait come from the surrounding action.rs
// combinators, translated from async-trait futures into a single
// blocking Run(ctx) per node, the idiomatic Go shape the teacher's own
// goroutine-per-request handlers use.
package action

import (
	"context"
	"log"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openpipe-hmi/annunciator/internal/alarms"
	"github.com/openpipe-hmi/annunciator/internal/annerr"
	"github.com/openpipe-hmi/annunciator/internal/clip"
	"github.com/openpipe-hmi/annunciator/internal/clipqueue"
	"github.com/openpipe-hmi/annunciator/internal/ratelimit"
	"github.com/openpipe-hmi/annunciator/internal/tags"
	"github.com/openpipe-hmi/annunciator/internal/tagwriter"
	"github.com/openpipe-hmi/annunciator/internal/volume"
)

// Gotoer is the part of a state machine an action needs to request a
// transition -- satisfied by internal/statemachine.Machine. Kept as an
// interface here so action doesn't import statemachine, avoiding an
// import cycle (statemachine actions are built from this package).
type Gotoer interface {
	Goto(state string) error
}

// Env carries every shared dependency an action needs to run. One Env
// is built per state machine (see internal/config.Build): Clips, Tags,
// Alarms, Volume and Writer are the same in every Env, while Machine
// and Limiter belong to that one machine.
type Env struct {
	Clips   *clipqueue.Queue
	Tags    *tags.Dispatcher
	Alarms  *alarms.Dispatcher
	Volume  *volume.Control
	Machine Gotoer
	Limiter *ratelimit.Limiter
	// Writer enqueues SetTag's egress write and waits for the external
	// controller's acknowledgment. nil in tests and any Env built
	// without an Open Pipe transport; SetTag treats that as "nothing
	// to notify" rather than an error.
	Writer tagwriter.Writer
}

// Action is one node of the tree. Run blocks until the action
// completes, fails, or ctx is cancelled.
type Action interface {
	Run(ctx context.Context, env *Env) error
}

// Sequence runs its children in order, stopping at the first error.
type Sequence struct{ Actions []Action }

func (a *Sequence) Run(ctx context.Context, env *Env) error {
	for _, child := range a.Actions {
		if err := child.Run(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Parallel runs its children concurrently, joined with errgroup the
// way C10 joins the daemon's own top-level loops. The first child
// error cancels the group's context and is returned; the rest run to
// completion or respond to cancellation on their own.
type Parallel struct{ Actions []Action }

func (a *Parallel) Run(ctx context.Context, env *Env) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, child := range a.Actions {
		child := child
		g.Go(func() error { return child.Run(gctx, env) })
	}
	return g.Wait()
}

// Repeat runs its child Count times, or forever if Count is nil. This
// asymmetry is intentional and matches the original: a bounded Repeat
// never consults the rate limiter (it's caller-bounded by
// construction), while an unbounded Repeat must, since nothing else
// would ever stop a runaway cycle.
type Repeat struct {
	Action Action
	Count  *int
}

func (a *Repeat) Run(ctx context.Context, env *Env) error {
	if a.Count != nil {
		for i := 0; i < *a.Count; i++ {
			if err := a.Action.Run(ctx, env); err != nil {
				return err
			}
		}
		return nil
	}
	for {
		if env.Limiter != nil && !env.Limiter.Count() {
			return annerr.Runawayf("repeat action exceeded its rate limit")
		}
		if err := a.Action.Run(ctx, env); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Play requests playback of a clip at a given priority, optionally
// bounded by a deadline to acquire the device (see clipqueue.Play).
type Play struct {
	Clip     *clip.Clip
	Priority int
	Timeout  time.Duration
}

func (a *Play) Run(ctx context.Context, env *Env) error {
	return env.Clips.Play(ctx, a.Clip, a.Priority, a.Timeout)
}

// Wait pauses for a fixed duration.
type Wait struct{ Duration time.Duration }

func (a *Wait) Run(ctx context.Context, env *Env) error {
	t := time.NewTimer(a.Duration)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTag blocks until a named tag satisfies Condition against Value,
// grounded on wait_tag.rs's run loop: check the current value with no
// previous, then repeatedly await the next change and recheck.
type WaitTag struct {
	Tag       string
	Condition TagCondition
	Value     string
}

func (a *WaitTag) Run(ctx context.Context, env *Env) error {
	var prev *string
	for {
		val, has, changed, err := env.Tags.Watch(a.Tag)
		if err != nil {
			return err
		}
		if has && a.Condition.Check(val, prev, a.Value) {
			return nil
		}
		select {
		case <-changed:
			v := val
			prev = &v
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitAlarm blocks until a named alarm filter's matching count
// satisfies Condition, grounded on wait_alarm.rs's run loop. Per the
// specification's explicit text (see AlarmCondition.Check), Inc/Dec
// cannot be satisfied on the first check -- there is no previous count
// yet, so the loop always waits for the next broadcast in that case.
type WaitAlarm struct {
	Filter    string
	Condition AlarmCondition
}

func (a *WaitAlarm) Run(ctx context.Context, env *Env) error {
	var prev *int
	for {
		count, err := env.Alarms.Count(a.Filter)
		if err != nil {
			return err
		}
		if a.Condition.Check(count, prev) {
			return nil
		}
		c := count
		prev = &c

		if _, err := env.Alarms.WaitChange(ctx, a.Filter); err != nil {
			return err
		}
	}
}

// SetTag writes a tag's value locally, then -- if the Env has a
// tagwriter.Writer wired in -- enqueues the same write as an egress
// message to the external controller and waits for its acknowledgment,
// bounded by AckTimeout (defaulting to 500ms, the hardcoded
// acknowledgment window the original design note calls out). Per spec
// section 4.7 the wait times out to success, not failure: the write
// was best-effort, and an unresponsive controller shouldn't stall the
// state machine. A genuinely cancelled ctx (e.g. state preemption)
// still propagates as an error.
type SetTag struct {
	Tag        string
	Value      string
	AckTimeout time.Duration
}

func (a *SetTag) Run(ctx context.Context, env *Env) error {
	if err := env.Tags.Set(a.Tag, a.Value); err != nil {
		return err
	}
	if env.Writer == nil {
		return nil
	}

	timeout := a.AckTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ack := env.Writer.Publish(a.Tag, a.Value)

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case err := <-ack:
		return err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}
}

// IgnoreAlarms suppresses a filter's currently-matching instances,
// optionally making the suppression sticky for instances that start
// matching afterward (Permanent), until RestoreAlarms runs.
type IgnoreAlarms struct {
	Filter    string
	Permanent bool
}

func (a *IgnoreAlarms) Run(_ context.Context, env *Env) error {
	return env.Alarms.IgnoreMatching(a.Filter, a.Permanent)
}

// RestoreAlarms clears a filter's ignored set, making previously
// suppressed instances visible again.
type RestoreAlarms struct{ Filter string }

func (a *RestoreAlarms) Run(_ context.Context, env *Env) error {
	return env.Alarms.Restore(a.Filter)
}

// SetVolume sets the shared output gain, either to a constant or to
// the current value of a tag parsed as a float -- grounded on
// set_volume.rs's TagOrConst. A tag that is unset or non-numeric is
// silently ignored, matching the original's best-effort behavior.
type SetVolume struct {
	Const *float64
	Tag   string
}

func (a *SetVolume) Run(_ context.Context, env *Env) error {
	if a.Const != nil {
		env.Volume.Set(*a.Const)
		return nil
	}
	val, has, err := env.Tags.Current(a.Tag)
	if err != nil || !has {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil
	}
	env.Volume.Set(f)
	return nil
}

// Goto requests a transition on the owning state machine.
type Goto struct{ State string }

func (a *Goto) Run(_ context.Context, env *Env) error {
	return env.Machine.Goto(a.State)
}

// Registry is the subset of internal/registry.Registry a GotoMachine
// action needs, declared locally to avoid an import cycle (registry
// has no reason to depend on action).
type Registry interface {
	Goto(machine, state string) error
}

// GotoMachine requests a transition on a different, named state
// machine, resolved through a Registry at run time -- the Go
// replacement for the original's Weak<StateMachine> back-reference.
type GotoMachine struct {
	Registry Registry
	Machine  string
	State    string
}

func (a *GotoMachine) Run(_ context.Context, _ *Env) error {
	return a.Registry.Goto(a.Machine, a.State)
}

// Debug logs a message through the daemon's logger, for authoring and
// field diagnosis of state machine behavior.
type Debug struct{ Message string }

func (a *Debug) Run(_ context.Context, _ *Env) error {
	log.Println("debug:", a.Message)
	return nil
}
