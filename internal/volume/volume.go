// Package volume implements the volume-control backend named by the
// action tree's SetVolume (spec section 4.8): a single normalized
// linear gain in [0, 1] shared by every clip played through the one
// audio device, backed by beep/effects.Volume the same way the
// teacher's audio.go converts a linear UI volume into beep's
// logarithmic Base-2 scale.
package volume

import (
	"sync"

	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/speaker"
)

// Control adjusts an effects.Volume wrapped around the clip player's
// single output streamer. Volume is process-wide: the spec models one
// audio device, so there is exactly one Control per daemon.
type Control struct {
	mu  sync.Mutex
	eff *effects.Volume
	cur float64 // normalized linear gain, 0..1
}

// Wrap builds a Control around streamer, ready to be handed to
// speaker.Play as the sole top-level streamer.
func Wrap(streamer interface {
	Stream(samples [][2]float64) (n int, ok bool)
	Err() error
}) *Control {
	eff := &effects.Volume{Streamer: streamer, Base: 2, Volume: 0, Silent: false}
	return &Control{eff: eff, cur: 1}
}

// Streamer returns the wrapped streamer to hand to speaker.Play.
func (c *Control) Streamer() *effects.Volume { return c.eff }

// Set applies a new normalized linear volume in [0, 1]. 0 silences
// playback outright; values are clamped.
func (c *Control) Set(linear float64) {
	if linear < 0 {
		linear = 0
	}
	if linear > 1 {
		linear = 1
	}

	speaker.Lock()
	defer speaker.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = linear
	if linear <= 0 {
		c.eff.Silent = true
		return
	}
	c.eff.Silent = false
	// Same linear-to-beep-log mapping the teacher's playAudio uses,
	// generalized from a 0..2 UI slider to a 0..1 normalized input.
	c.eff.Volume = (linear*2 - 1) * 5
}

// Get returns the last normalized linear volume passed to Set.
func (c *Control) Get() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}
