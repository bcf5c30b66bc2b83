// Command annunciator is the daemon entrypoint: load configuration,
// wire every component, serve the Open Pipe transport and the
// monitoring HTTP surface, and shut down cleanly on SIGINT/SIGTERM --
// the same overall shape as the teacher's main(), narrowed to this
// domain's components.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/openpipe-hmi/annunciator/internal/audiodev"
	"github.com/openpipe-hmi/annunciator/internal/config"
	"github.com/openpipe-hmi/annunciator/internal/daemonlog"
	"github.com/openpipe-hmi/annunciator/internal/monitor"
	"github.com/openpipe-hmi/annunciator/internal/openpipe"
)

func main() {
	configPath := flag.String("config", "/etc/annunciator/annunciator.xml", "path to the audioplayer configuration document")
	logDir := flag.String("log-dir", "/var/log/annunciator", "directory for rotating log files")
	httpAddr := flag.String("http-addr", ":8090", "bind address for the monitoring HTTP surface")
	sessionSecret := flag.String("session-secret", "", "cookie session secret for the monitoring surface (random if empty)")
	adminUser := flag.String("admin-user", "admin", "monitoring surface admin username")
	adminPass := flag.String("admin-pass", "", "monitoring surface admin password")
	sampleRate := flag.Int("sample-rate", 44100, "playback sample rate")
	flag.Parse()

	logger, err := daemonlog.Open(*logDir, 0)
	if err != nil {
		log.Fatalf("logging init: %v", err)
	}
	defer logger.Close()

	doc, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	rate := *sampleRate
	if doc.SampleRate > 0 {
		rate = doc.SampleRate
	}
	format := beep.Format{SampleRate: beep.SampleRate(rate), NumChannels: 2, Precision: 2}

	if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
		log.Fatalf("audio device init: %v", err)
	}

	built, err := config.Build(doc, format)
	if err != nil {
		log.Fatalf("config build: %v", err)
	}

	devices := audiodev.List()
	chosen := audiodev.BestFit(devices, doc.PlaybackDevice)
	log.Printf("playback device: %s (%s)", chosen.Name, chosen.Backend)

	speaker.Play(built.Volume.Streamer())

	for name, m := range built.Machines {
		initial := initialStateFor(doc, name)
		if initial == "" {
			continue
		}
		if err := m.Start(context.Background(), initial); err != nil {
			log.Printf("state machine %s: failed to enter initial state %q: %v", name, initial, err)
		}
	}

	secret := *sessionSecret
	if secret == "" {
		secret = "annunciator-dev-session-secret-change-me"
	}
	deviceNames := make([]string, 0, len(devices))
	for _, d := range devices {
		deviceNames = append(deviceNames, d.Name)
	}
	surface := monitor.New(secret, monitor.Credentials{Username: *adminUser, Password: *adminPass}, built.Machines, built.Registry, built.Tags, built.Alarms, built.Volume, deviceNames)

	httpServer := &http.Server{Addr: *httpAddr, Handler: surface.Handler()}

	openpipeServer := openpipe.NewServer(built.Tags, built.Alarms)
	built.Writer.Set(openpipeServer)
	var pipeListener net.Listener
	if built.Bind != "" {
		l, err := openpipe.Listen(built.Bind)
		if err != nil {
			log.Fatalf("open pipe listen: %v", err)
		}
		pipeListener = l
	}

	housekeeping := cron.New()
	housekeeping.AddFunc("@every 5m", func() {
		for name, m := range built.Machines {
			log.Printf("heartbeat: state machine %s active state %q, volume %.2f", name, m.ActiveState(), built.Volume.Get())
		}
	})
	housekeeping.Start()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if pipeListener != nil {
		g.Go(func() error { return openpipeServer.Serve(gctx, pipeListener) })
	}

	daemonlog.NotifyReady()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)
	case <-gctx.Done():
		log.Printf("a daemon loop exited unexpectedly")
	}

	daemonlog.NotifyStopping()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	housekeeping.Stop()
	cancel()

	if err := g.Wait(); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func initialStateFor(doc *config.Document, machine string) string {
	for _, m := range doc.StateMachines {
		if m.Name == machine {
			return m.Initial
		}
	}
	return ""
}
