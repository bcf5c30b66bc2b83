// Package audiodev enumerates output devices for the best-fit lookup
// the daemon entrypoint performs at startup (its result is logged;
// playback itself goes through beep's speaker device) and for the
// monitoring surface's read-only device listing. It is adapted from
// the teacher's audio_devices.go: kept to the Linux PulseAudio/ALSA paths the daemon
// actually targets, trimmed of the Windows/Darwin branches (this
// annunciator has no Windows or macOS deployment target) and of
// device *selection*, which spec section 6 fixes to the configured
// playback_device at startup rather than allowing runtime switching.
package audiodev

import (
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
)

// Device is one discovered output device.
type Device struct {
	ID        string
	Name      string
	IsDefault bool
	Backend   string // "pulse", "alsa", "default"
}

// List enumerates available output devices. On anything but Linux it
// reports a single synthetic "default" device, since this daemon only
// ships a real backend for Linux.
func List() []Device {
	if runtime.GOOS != "linux" {
		return []Device{{ID: "default", Name: "Default Audio Device", IsDefault: true, Backend: "default"}}
	}
	if devices := pulseDevices(); len(devices) > 0 {
		return devices
	}
	if devices := alsaDevices(); len(devices) > 0 {
		return devices
	}
	return []Device{{ID: "default", Name: "Default Audio Device", IsDefault: true, Backend: "default"}}
}

// BestFit picks the device whose name or ID contains name
// case-insensitively, or the marked default if name is empty or
// nothing matches.
func BestFit(devices []Device, name string) Device {
	if name != "" {
		want := strings.ToLower(name)
		for _, d := range devices {
			if strings.Contains(strings.ToLower(d.Name), want) || strings.Contains(strings.ToLower(d.ID), want) {
				return d
			}
		}
		log.Printf("audiodev: no device matches %q, falling back to default", name)
	}
	for _, d := range devices {
		if d.IsDefault {
			return d
		}
	}
	if len(devices) > 0 {
		return devices[0]
	}
	return Device{ID: "default", Name: "Default Audio Device", IsDefault: true, Backend: "default"}
}

func pulseDevices() []Device {
	if err := exec.Command("pactl", "info").Run(); err != nil {
		return nil
	}

	output, err := exec.Command("pactl", "list", "short", "sinks").Output()
	if err != nil {
		log.Printf("audiodev: pactl list sinks: %v", err)
		return nil
	}

	var devices []Device
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			devices = append(devices, Device{ID: parts[1], Name: parts[1], Backend: "pulse"})
		}
	}

	if info, err := exec.Command("pactl", "info").Output(); err == nil {
		re := regexp.MustCompile(`Default Sink: (.+)`)
		if m := re.FindStringSubmatch(string(info)); len(m) > 1 {
			defaultSink := strings.TrimSpace(m[1])
			for i := range devices {
				if devices[i].ID == defaultSink {
					devices[i].IsDefault = true
				}
			}
		}
	}
	return devices
}

func alsaDevices() []Device {
	output, err := exec.Command("aplay", "-l").Output()
	if err != nil {
		return nil
	}

	re := regexp.MustCompile(`card (\d+): (.+?) \[(.+?)\], device (\d+): (.+?) \[(.+?)\]`)
	var devices []Device
	for _, line := range strings.Split(string(output), "\n") {
		m := re.FindStringSubmatch(line)
		if len(m) <= 6 {
			continue
		}
		card, dev, name := m[1], m[4], m[5]
		devices = append(devices, Device{
			ID:        fmt.Sprintf("hw:%s,%s", card, dev),
			Name:      name,
			IsDefault: card == "0" && dev == "0",
			Backend:   "alsa",
		})
	}
	return devices
}
