// Package clipqueue implements C3, the bridge between the priority
// scheduler (C1) and the clip player (C2): Play actions call Play
// here, which acquires a scheduler token at the action's priority,
// starts the render, and unwinds cleanly whether the clip finishes
// naturally, is preempted by a higher-priority Play, or its context is
// cancelled.
package clipqueue

import (
	"context"
	"time"

	"github.com/openpipe-hmi/annunciator/internal/annerr"
	"github.com/openpipe-hmi/annunciator/internal/clip"
	"github.com/openpipe-hmi/annunciator/internal/clipplayer"
	"github.com/openpipe-hmi/annunciator/internal/scheduler"
)

// Queue pairs one scheduler with the one clip player instance the
// daemon owns.
type Queue struct {
	sched  *scheduler.Scheduler
	player *clipplayer.Player
}

// New builds a Queue over an existing scheduler and player.
func New(sched *scheduler.Scheduler, player *clipplayer.Player) *Queue {
	return &Queue{sched: sched, player: player}
}

// Play blocks until c has played to completion, been preempted by a
// higher-priority Play, or ctx is cancelled. deadline, if non-zero,
// bounds how long Play will wait to acquire the device before giving
// up -- the Go equivalent of acquire_with_deadline, implemented as a
// derived context rather than a second scheduler method.
func (q *Queue) Play(ctx context.Context, c *clip.Clip, priority int, deadline time.Duration) error {
	acquireCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	tok, err := q.sched.Acquire(acquireCtx, priority)
	if err != nil {
		return annerr.Wrap(annerr.Transient, "acquire playback token", err)
	}
	defer tok.Release()

	seqno, err := q.player.StartClip(ctx, c)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- q.player.Wait(ctx, seqno) }()

	select {
	case err := <-done:
		return err
	case <-tok.Preempted():
		q.player.CancelIfPlaying(seqno)
		<-done
		return annerr.New(annerr.Transient, "preempted by a higher priority clip")
	case <-ctx.Done():
		q.player.CancelIfPlaying(seqno)
		<-done
		return ctx.Err()
	}
}
