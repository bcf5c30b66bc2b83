// Command clip-player is a standalone one-shot playback tool: load a
// single clip (WAV file or synthetic sine tone) and play it to
// completion, then exit. Supplemented from original_source's
// clip_player_main.rs, which exists purely to exercise ClipPlayer
// outside of the full daemon -- useful for authoring and testing clip
// files against the same render loop the annunciator uses.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"

	"github.com/openpipe-hmi/annunciator/internal/clip"
	"github.com/openpipe-hmi/annunciator/internal/clipplayer"
	"github.com/openpipe-hmi/annunciator/internal/volume"
)

func main() {
	file := flag.String("file", "", "WAV file to play")
	sineHz := flag.Float64("sine-hz", 0, "play a synthetic sine tone at this frequency instead of a file")
	sineDur := flag.Float64("sine-duration", 1, "duration in seconds for -sine-hz")
	rate := flag.Int("rate", 44100, "playback sample rate")
	volume := flag.Float64("volume", 1, "normalized linear volume, 0..1")
	flag.Parse()

	format := beep.Format{SampleRate: beep.SampleRate(*rate), NumChannels: 2, Precision: 2}
	if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
		log.Fatalf("audio device init: %v", err)
	}

	var c *clip.Clip
	var err error
	switch {
	case *file != "":
		c, err = clip.LoadWAV(*file, *file, format)
	case *sineHz > 0:
		c = clip.GenerateSine("sine", *sineHz, *sineDur, format)
	default:
		log.Fatal("specify -file or -sine-hz")
	}
	if err != nil {
		log.Fatalf("load clip: %v", err)
	}

	player := clipplayer.New()
	vol := volume.Wrap(player)
	speaker.Play(vol.Streamer())
	vol.Set(*volume)

	seqno, err := player.StartClip(context.Background(), c)
	if err != nil {
		log.Fatalf("start clip: %v", err)
	}
	if err := player.Wait(context.Background(), seqno); err != nil {
		log.Fatalf("playback: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	player.Shutdown(shutdownCtx)
}
