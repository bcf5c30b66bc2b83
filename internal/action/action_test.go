package action

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openpipe-hmi/annunciator/internal/alarmfilter"
	"github.com/openpipe-hmi/annunciator/internal/alarms"
	"github.com/openpipe-hmi/annunciator/internal/annerr"
	"github.com/openpipe-hmi/annunciator/internal/ratelimit"
	"github.com/openpipe-hmi/annunciator/internal/tags"
	"github.com/openpipe-hmi/annunciator/internal/volume"
)

type recordingAction struct {
	ran atomic.Int32
	err error
}

func (a *recordingAction) Run(ctx context.Context, env *Env) error {
	a.ran.Add(1)
	return a.err
}

type fakeGotoer struct {
	got string
}

func (g *fakeGotoer) Goto(state string) error {
	g.got = state
	return nil
}

func TestSequenceRunsChildrenInOrderAndStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	first := &recordingAction{}
	second := &recordingAction{err: boom}
	third := &recordingAction{}
	seq := &Sequence{Actions: []Action{first, second, third}}

	err := seq.Run(context.Background(), &Env{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if first.ran.Load() != 1 || second.ran.Load() != 1 {
		t.Fatalf("first two actions should have run")
	}
	if third.ran.Load() != 0 {
		t.Fatalf("third action should not run after an earlier error")
	}
}

func TestParallelRunsAllChildrenConcurrently(t *testing.T) {
	a := &recordingAction{}
	b := &recordingAction{}
	p := &Parallel{Actions: []Action{a, b}}

	if err := p.Run(context.Background(), &Env{}); err != nil {
		t.Fatalf("parallel: %v", err)
	}
	if a.ran.Load() != 1 || b.ran.Load() != 1 {
		t.Fatalf("both children should have run exactly once")
	}
}

func TestParallelPropagatesFirstError(t *testing.T) {
	boom := errors.New("boom")
	ok := &recordingAction{}
	bad := &recordingAction{err: boom}
	p := &Parallel{Actions: []Action{ok, bad}}

	err := p.Run(context.Background(), &Env{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRepeatBoundedRunsExactCountWithoutRateLimiter(t *testing.T) {
	count := 3
	child := &recordingAction{}
	r := &Repeat{Action: child, Count: &count}

	if err := r.Run(context.Background(), &Env{Limiter: nil}); err != nil {
		t.Fatalf("bounded repeat: %v", err)
	}
	if child.ran.Load() != 3 {
		t.Fatalf("expected exactly 3 runs, got %d", child.ran.Load())
	}
}

func TestRepeatUnboundedConsultsRateLimiterAndReturnsRunaway(t *testing.T) {
	child := &recordingAction{}
	r := &Repeat{Action: child, Count: nil}
	limiter := ratelimit.New(2, time.Minute)

	err := r.Run(context.Background(), &Env{Limiter: limiter})
	if !annerr.Is(err, annerr.Runaway) {
		t.Fatalf("expected Runaway error once the rate limit is exceeded, got %v", err)
	}
}

func TestWaitReturnsAfterDurationOrCancellation(t *testing.T) {
	w := &Wait{Duration: 10 * time.Millisecond}
	if err := w.Run(context.Background(), &Env{}); err != nil {
		t.Fatalf("wait: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	long := &Wait{Duration: time.Hour}
	if err := long.Run(ctx, &Env{}); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestGotoDelegatesToMachine(t *testing.T) {
	g := &fakeGotoer{}
	a := &Goto{State: "alarm"}
	if err := a.Run(context.Background(), &Env{Machine: g}); err != nil {
		t.Fatalf("goto: %v", err)
	}
	if g.got != "alarm" {
		t.Fatalf("expected goto to reach the machine, got %q", g.got)
	}
}

func TestSetVolumeConstant(t *testing.T) {
	v := volume.Wrap(nil)
	half := 0.5
	a := &SetVolume{Const: &half}
	if err := a.Run(context.Background(), &Env{Volume: v}); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if got := v.Get(); got != 0.5 {
		t.Fatalf("expected volume 0.5, got %v", got)
	}
}

func TestSetVolumeFromTagIgnoresUnsetOrNonNumericTag(t *testing.T) {
	v := volume.Wrap(nil)
	d := tags.New()
	d.Declare("gain")

	a := &SetVolume{Tag: "gain"}
	if err := a.Run(context.Background(), &Env{Volume: v, Tags: d}); err != nil {
		t.Fatalf("set volume from unset tag should be a silent no-op, got %v", err)
	}

	d.Set("gain", "not-a-number")
	if err := a.Run(context.Background(), &Env{Volume: v, Tags: d}); err != nil {
		t.Fatalf("set volume from non-numeric tag should be a silent no-op, got %v", err)
	}
}

func TestWaitAlarmIncFiresOnlyAfterAGenuineIncreaseFromThePreWaitCount(t *testing.T) {
	d := alarms.New()
	expr, err := alarmfilter.Parse("AlarmClassName = 'Pump'")
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	d.AddFilter("pumps", expr, "", "")

	a := &WaitAlarm{Filter: "pumps", Condition: AlarmInc}
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), &Env{Alarms: d}) }()

	time.Sleep(20 * time.Millisecond)
	d.OnAlarm(alarmfilter.AlarmRecord{ID: 1, InstanceID: 1, ClassName: "Pump", State: alarmfilter.Raised})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait alarm: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitAlarm with AlarmInc never returned after the matching count rose from 0 to 1")
	}
}

func TestSetTagSucceedsWhenDispatcherAcknowledgesWithinTimeout(t *testing.T) {
	d := tags.New()
	d.Declare("ack")
	a := &SetTag{Tag: "ack", Value: "1", AckTimeout: 50 * time.Millisecond}

	if err := a.Run(context.Background(), &Env{Tags: d}); err != nil {
		t.Fatalf("set tag: %v", err)
	}
	val, has, _ := d.Current("ack")
	if !has || val != "1" {
		t.Fatalf("expected tag to be set to 1, got %q/%v", val, has)
	}
}

type fakeWriter struct {
	ack chan error
}

func (w *fakeWriter) Publish(tag, value string) <-chan error { return w.ack }

func TestSetTagWaitsForWriterAckWhenWired(t *testing.T) {
	d := tags.New()
	d.Declare("ack")
	w := &fakeWriter{ack: make(chan error, 1)}
	w.ack <- nil
	a := &SetTag{Tag: "ack", Value: "1", AckTimeout: time.Second}

	if err := a.Run(context.Background(), &Env{Tags: d, Writer: w}); err != nil {
		t.Fatalf("set tag: %v", err)
	}
}

func TestSetTagTreatsItsOwnAckTimeoutAsSuccess(t *testing.T) {
	d := tags.New()
	d.Declare("ack")
	w := &fakeWriter{ack: make(chan error)}
	a := &SetTag{Tag: "ack", Value: "1", AckTimeout: 10 * time.Millisecond}

	if err := a.Run(context.Background(), &Env{Tags: d, Writer: w}); err != nil {
		t.Fatalf("an unacknowledged write should time out to success, got %v", err)
	}
	val, has, _ := d.Current("ack")
	if !has || val != "1" {
		t.Fatalf("expected tag to be set locally regardless of ack, got %q/%v", val, has)
	}
}

func TestSetTagPropagatesRealContextCancellationDuringAckWait(t *testing.T) {
	d := tags.New()
	d.Declare("ack")
	w := &fakeWriter{ack: make(chan error)}
	a := &SetTag{Tag: "ack", Value: "1", AckTimeout: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx, &Env{Tags: d, Writer: w}); err == nil {
		t.Fatalf("expected the parent context's cancellation to propagate, not be swallowed as success")
	}
}

func TestSetTagErrorsOnUndeclaredTag(t *testing.T) {
	d := tags.New()
	a := &SetTag{Tag: "ghost", Value: "1", AckTimeout: 10 * time.Millisecond}

	err := a.Run(context.Background(), &Env{Tags: d})
	if !annerr.Is(err, annerr.NotFound) {
		t.Fatalf("expected NotFound for undeclared tag, got %v", err)
	}
}
