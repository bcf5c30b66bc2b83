package clipqueue

import (
	"context"
	"testing"
	"time"

	"github.com/openpipe-hmi/annunciator/internal/clip"
	"github.com/openpipe-hmi/annunciator/internal/clipplayer"
	"github.com/openpipe-hmi/annunciator/internal/scheduler"
)

func shortClip(n int) *clip.Clip {
	samples := make([][2]float64, n)
	for i := range samples {
		samples[i] = [2]float64{1, 1}
	}
	return &clip.Clip{Name: "t", Samples: samples}
}

// pumpStream simulates beep's real-time mixer goroutine calling Stream
// in a tight loop until stop is closed.
func pumpStream(p *clipplayer.Player, stop <-chan struct{}) {
	buf := make([][2]float64, 32)
	for {
		select {
		case <-stop:
			return
		default:
		}
		p.Stream(buf)
		time.Sleep(time.Millisecond)
	}
}

func TestPlayReturnsWhenClipFinishes(t *testing.T) {
	sched := scheduler.New()
	player := clipplayer.New()
	q := New(sched, player)

	stop := make(chan struct{})
	go pumpStream(player, stop)
	defer close(stop)

	err := q.Play(context.Background(), shortClip(8), 5, 0)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
}

func TestPlayIsPreemptedByHigherPriorityPlay(t *testing.T) {
	sched := scheduler.New()
	player := clipplayer.New()
	q := New(sched, player)

	stop := make(chan struct{})
	go pumpStream(player, stop)
	defer close(stop)

	lowErr := make(chan error, 1)
	go func() {
		lowErr <- q.Play(context.Background(), shortClip(100000), 1, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Play(context.Background(), shortClip(8), 10, 0); err != nil {
		t.Fatalf("high priority play: %v", err)
	}

	select {
	case err := <-lowErr:
		if err == nil {
			t.Fatalf("expected the low priority play to report preemption")
		}
	case <-time.After(time.Second):
		t.Fatalf("low priority play never returned after preemption")
	}
}

func TestPlayRespectsDeadlineAcquiringDevice(t *testing.T) {
	sched := scheduler.New()
	player := clipplayer.New()
	q := New(sched, player)

	stop := make(chan struct{})
	go pumpStream(player, stop)
	defer close(stop)

	go q.Play(context.Background(), shortClip(100000), 10, 0)
	time.Sleep(20 * time.Millisecond)

	err := q.Play(context.Background(), shortClip(8), 1, 20*time.Millisecond)
	if err == nil {
		t.Fatalf("expected a lower priority play to time out waiting behind a higher priority holder")
	}
}
