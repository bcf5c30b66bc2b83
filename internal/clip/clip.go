// Package clip defines the immutable, shared audio buffer type (spec
// section 3's "Clip") and the two ways to produce one: decoding a WAV
// file or synthesizing a sine tone. Both loaders normalize into the
// player's native stereo float64 sample representation so a Clip can
// be handed straight to beep's speaker without per-play conversion.
package clip

import (
	"fmt"
	"math"
	"os"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
)

// SampleType is the nominal sample format recorded on a clip.
// Playback itself always happens in beep's native float64 stereo
// representation; SampleType is retained because the data model
// (spec section 3) calls for it. LoadWAV records Signed16 for every
// decoded file, whatever the file's own encoding, and GenerateSine
// records Float32.
type SampleType int

const (
	Signed16 SampleType = iota
	Unsigned16
	Float32
)

func (t SampleType) String() string {
	switch t {
	case Signed16:
		return "i16"
	case Unsigned16:
		return "u16"
	case Float32:
		return "f32"
	default:
		return "unknown"
	}
}

// Zero is the type's "offset" value -- silence for that encoding.
func (t SampleType) Zero() float64 {
	switch t {
	case Unsigned16:
		// Unsigned PCM's midpoint is what decodes to silence; in
		// beep's centered float64 representation that is still 0.
		return 0
	default:
		return 0
	}
}

// Clip is an immutable, shareable PCM buffer at the player's sample
// rate and channel count. Many concurrent Play actions may reference
// the same Clip; nothing about playback mutates it.
type Clip struct {
	Name       string
	SampleType SampleType
	Format     beep.Format
	Samples    [][2]float64
}

// Len reports the clip length in samples (frames).
func (c *Clip) Len() int { return len(c.Samples) }

// LoadWAV decodes a WAV file and resamples it to the target format if
// necessary, producing an immutable Clip ready to share across plays.
func LoadWAV(name, path string, target beep.Format) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	streamer, format, err := wav.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode wav %s: %w", path, err)
	}
	defer streamer.Close()

	var src beep.Streamer = streamer
	if format.SampleRate != target.SampleRate {
		src = beep.Resample(4, format.SampleRate, target.SampleRate, streamer)
	}

	samples := drain(src)
	return &Clip{Name: name, SampleType: Signed16, Format: target, Samples: samples}, nil
}

// GenerateSine synthesizes a sine tone clip of the given frequency and
// duration at the target format. Used for synthetic test chimes that
// don't need an authored WAV file on disk.
func GenerateSine(name string, freqHz float64, duration float64, target beep.Format) *Clip {
	n := int(duration * float64(target.SampleRate))
	samples := make([][2]float64, n)
	for i := range samples {
		t := float64(i) / float64(target.SampleRate)
		v := math.Sin(2 * math.Pi * freqHz * t)
		samples[i] = [2]float64{v, v}
	}
	return &Clip{Name: name, SampleType: Float32, Format: target, Samples: samples}
}

// drain reads a streamer to completion into an in-memory sample slice.
func drain(s beep.Streamer) [][2]float64 {
	var out [][2]float64
	buf := make([][2]float64, 512)
	for {
		n, ok := s.Stream(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if !ok {
			break
		}
	}
	return out
}
