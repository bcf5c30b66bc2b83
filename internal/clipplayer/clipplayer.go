// Package clipplayer implements the clip player (C2): a single
// always-on beep.Streamer that renders at most one Clip at a time,
// grounded on original_source/src/clip_player.rs's
// Setup/Ready/Playing/Cancel/Error/Shutdown/Done state machine. The
// render loop (Stream) runs on beep's real-time mixer goroutine, so it
// never blocks; StartClip/Wait/Cancel are the cooperating side called
// from action-tree goroutines, synchronized with the render loop
// through a mutex and a broadcast-channel idiom instead of
// tokio::sync::Notify.
package clipplayer

import (
	"context"
	"sync"

	"github.com/openpipe-hmi/annunciator/internal/annerr"
	"github.com/openpipe-hmi/annunciator/internal/clip"
)

type kind int

const (
	ready kind = iota
	playing
	cancelling
	shutdown
	done
)

type renderState struct {
	kind  kind
	seqno uint64
	clip  *clip.Clip
	pos   int
}

// Player is a beep.Streamer (Stream/Err) that also exposes the
// control surface clipqueue (C3) drives: StartClip to begin rendering
// a clip, Wait to block until it finishes or is superseded, and
// CancelIfPlaying/Shutdown for preemption and teardown.
type Player struct {
	mu     sync.Mutex
	st     renderState
	seq    uint64
	waitCh chan struct{}
}

// New creates a player ready to be wrapped (e.g. in volume.Wrap) and
// handed to speaker.Play exactly once for the life of the daemon.
func New() *Player {
	return &Player{st: renderState{kind: ready}, waitCh: make(chan struct{})}
}

func (p *Player) wakeLocked() {
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// Stream implements beep.Streamer. It must never block: this runs on
// beep's audio callback goroutine.
func (p *Player) Stream(samples [][2]float64) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.st.kind {
	case playing:
		c := p.st.clip
		i := 0
		for i < len(samples) && p.st.pos < len(c.Samples) {
			samples[i] = c.Samples[p.st.pos]
			p.st.pos++
			i++
		}
		if p.st.pos >= len(c.Samples) {
			for ; i < len(samples); i++ {
				samples[i] = [2]float64{0, 0}
			}
			p.st = renderState{kind: ready}
			p.wakeLocked()
		}
		return len(samples), true
	case cancelling:
		p.st = renderState{kind: ready}
		p.wakeLocked()
		silence(samples)
		return len(samples), true
	case shutdown:
		p.st = renderState{kind: done}
		p.wakeLocked()
		silence(samples)
		return len(samples), false
	default: // ready, done
		silence(samples)
		return len(samples), true
	}
}

// Err implements beep.Streamer. The render loop never produces a
// streaming error of its own; clip decode errors are surfaced at load
// time (internal/clip), not during playback.
func (p *Player) Err() error { return nil }

func silence(samples [][2]float64) {
	for i := range samples {
		samples[i] = [2]float64{0, 0}
	}
}

// StartClip begins rendering c, preempting whatever is currently
// playing. It returns the new render's sequence number, used by Wait
// and CancelIfPlaying to refer unambiguously to this specific play
// even if another StartClip supersedes it immediately after.
func (p *Player) StartClip(ctx context.Context, c *clip.Clip) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.st.kind == shutdown || p.st.kind == done {
		return 0, annerr.New(annerr.Transient, "clip player is shutting down")
	}

	p.seq++
	seqno := p.seq
	p.st = renderState{kind: playing, seqno: seqno, clip: c, pos: 0}
	p.wakeLocked()
	return seqno, nil
}

// Wait blocks until the render identified by seqno finishes naturally,
// is superseded by a later StartClip, or is cancelled -- whichever
// happens first -- or until ctx is cancelled.
func (p *Player) Wait(ctx context.Context, seqno uint64) error {
	for {
		p.mu.Lock()
		st := p.st
		ch := p.waitCh
		p.mu.Unlock()

		if !(st.kind == playing && st.seqno == seqno) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CancelIfPlaying requests early termination of the render identified
// by seqno, if it is still the one playing. A no-op otherwise: the
// clip already finished, was superseded, or never started.
func (p *Player) CancelIfPlaying(seqno uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.st.kind == playing && p.st.seqno == seqno {
		p.st.kind = cancelling
		p.wakeLocked()
	}
}

// Shutdown requests the render loop stop producing audio after the
// current buffer and blocks until it has, so the caller can safely
// close the speaker device.
func (p *Player) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.st.kind != shutdown && p.st.kind != done {
		p.st = renderState{kind: shutdown}
		p.wakeLocked()
	}
	for p.st.kind != done {
		ch := p.waitCh
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
	}
	p.mu.Unlock()
	return nil
}
