package alarms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openpipe-hmi/annunciator/internal/alarmfilter"
)

func mustFilter(t *testing.T, d *Dispatcher, name, expr string) {
	t.Helper()
	e, err := alarmfilter.Parse(expr)
	if err != nil {
		t.Fatalf("parse filter %q: %v", expr, err)
	}
	d.AddFilter(name, e, "", "")
}

type recordingWriter struct {
	mu    sync.Mutex
	calls []string
}

func (w *recordingWriter) Publish(tag, value string) <-chan error {
	w.mu.Lock()
	w.calls = append(w.calls, tag+"="+value)
	w.mu.Unlock()
	ch := make(chan error, 1)
	ch <- nil
	close(ch)
	return ch
}

func (w *recordingWriter) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.calls))
	copy(out, w.calls)
	return out
}

func TestOnAlarmPopulatesMatchingCount(t *testing.T) {
	d := New()
	mustFilter(t, d, "pumps", "AlarmClassName = 'Pump'")

	d.OnAlarm(alarmfilter.AlarmRecord{ID: 1, InstanceID: 1, ClassName: "Pump", State: alarmfilter.Raised})
	count, err := d.Count("pumps")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 matching record, got %d", count)
	}
}

func TestOnAlarmIgnoresSentinelKeepAliveState(t *testing.T) {
	d := New()
	mustFilter(t, d, "all", "Priority >= 0")

	d.OnAlarm(alarmfilter.AlarmRecord{ID: 1, InstanceID: 1, State: 128})
	count, _ := d.Count("all")
	if count != 0 {
		t.Fatalf("sentinel state 128 must never be evaluated against a filter, got count %d", count)
	}
}

func TestOnAlarmRemovedClearsMatchingAndIgnored(t *testing.T) {
	d := New()
	mustFilter(t, d, "pumps", "AlarmClassName = 'Pump'")

	rec := alarmfilter.AlarmRecord{ID: 1, InstanceID: 1, ClassName: "Pump", State: alarmfilter.Raised}
	d.OnAlarm(rec)

	rec.State = alarmfilter.Removed
	d.OnAlarm(rec)

	count, _ := d.Count("pumps")
	if count != 0 {
		t.Fatalf("removed record should clear from matching set, got count %d", count)
	}
}

func TestIgnoreMatchingThenRestore(t *testing.T) {
	d := New()
	mustFilter(t, d, "pumps", "AlarmClassName = 'Pump'")

	d.OnAlarm(alarmfilter.AlarmRecord{ID: 1, InstanceID: 1, ClassName: "Pump", State: alarmfilter.Raised})
	if err := d.IgnoreMatching("pumps", false); err != nil {
		t.Fatalf("ignore: %v", err)
	}
	if count, _ := d.Count("pumps"); count != 0 {
		t.Fatalf("ignored record should drop from visible count, got %d", count)
	}

	if err := d.Restore("pumps"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if count, _ := d.Count("pumps"); count != 1 {
		t.Fatalf("restore should re-evaluate known records, got %d", count)
	}
}

func TestIgnoreMatchingPermanentSuppressesFutureMatches(t *testing.T) {
	d := New()
	mustFilter(t, d, "pumps", "AlarmClassName = 'Pump'")

	d.OnAlarm(alarmfilter.AlarmRecord{ID: 1, InstanceID: 1, ClassName: "Pump", State: alarmfilter.Raised})
	d.IgnoreMatching("pumps", true)

	d.OnAlarm(alarmfilter.AlarmRecord{ID: 2, InstanceID: 1, ClassName: "Pump", State: alarmfilter.Raised})
	if count, _ := d.Count("pumps"); count != 0 {
		t.Fatalf("permanent ignore should suppress newly matching records too, got %d", count)
	}
}

func TestWaitChangeWakesOnCountChange(t *testing.T) {
	d := New()
	mustFilter(t, d, "pumps", "AlarmClassName = 'Pump'")

	done := make(chan int, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		count, err := d.WaitChange(ctx, "pumps")
		if err != nil {
			t.Errorf("wait change: %v", err)
			return
		}
		done <- count
	}()

	time.Sleep(20 * time.Millisecond)
	d.OnAlarm(alarmfilter.AlarmRecord{ID: 1, InstanceID: 1, ClassName: "Pump", State: alarmfilter.Raised})

	select {
	case count := <-done:
		if count != 1 {
			t.Fatalf("expected count 1 after wake, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitChange should have woken after OnAlarm changed the count")
	}
}

func TestOnAlarmEmitsTagWritesForMatchingAndIgnoredCounts(t *testing.T) {
	d := New()
	w := &recordingWriter{}
	d.SetWriter(w)
	expr, err := alarmfilter.Parse("AlarmClassName = 'Pump'")
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	d.AddFilter("pumps", expr, "pumps_matching", "pumps_ignored")

	d.OnAlarm(alarmfilter.AlarmRecord{ID: 1, InstanceID: 1, ClassName: "Pump", State: alarmfilter.Raised})
	d.IgnoreMatching("pumps", false)

	time.Sleep(20 * time.Millisecond)
	calls := w.snapshot()
	if len(calls) == 0 {
		t.Fatalf("expected tag writes for the configured matching/ignored tags, got none")
	}
	wantMatching := "pumps_matching=1"
	wantIgnored := "pumps_ignored=1"
	var sawMatching, sawIgnored bool
	for _, c := range calls {
		if c == wantMatching {
			sawMatching = true
		}
		if c == wantIgnored {
			sawIgnored = true
		}
	}
	if !sawMatching {
		t.Fatalf("expected a write of %q among %v", wantMatching, calls)
	}
	if !sawIgnored {
		t.Fatalf("expected a write of %q among %v", wantIgnored, calls)
	}
}

func TestCountOnUndeclaredFilterIsError(t *testing.T) {
	d := New()
	if _, err := d.Count("ghost"); err == nil {
		t.Fatalf("expected error for undeclared filter")
	}
}
