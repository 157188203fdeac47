// Command tracker runs marker tracking against a camera rig and exposes the
// tracked poses on a debug HTTP server.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/config"
	"github.com/banshee-data/marker.tracker/internal/detect"
	"github.com/banshee-data/marker.tracker/internal/monitoring"
	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/posehistory"
	"github.com/banshee-data/marker.tracker/internal/timeutil"
	"github.com/banshee-data/marker.tracker/internal/tracker"
	"github.com/banshee-data/marker.tracker/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to tracker config JSON (defaults are used when empty)")
	debugMode  = flag.Bool("debug", false, "Enable debug logging")
	listen     = flag.String("listen", ":8081", "Debug HTTP listen address (empty disables)")
	pollEvery  = flag.Duration("poll", time.Second, "Interval between logged pose readouts")
)

func main() {
	flag.Parse()
	log.Printf("marker tracker %s", version.String())

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	monitoring.SetDebug(*debugMode || cfg.Debug)

	clock := timeutil.RealClock{}
	driver := camera.NewSyntheticDriver(clock)
	driver.FrameRate = cfg.Camera.FrameRate
	driver.Jitter = cfg.Camera.Jitter
	rig := camera.NewRig(driver)
	defer rig.Close()

	opts, err := trackerOptions(cfg, rig, clock)
	if err != nil {
		log.Fatalf("invalid tracker configuration: %v", err)
	}
	tr, err := tracker.New(opts)
	if err != nil {
		log.Fatalf("failed to build tracker: %v", err)
	}
	sup := tracker.NewSupervisor(tr, cfg.Sidecar.RetryInterval, clock)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil {
			log.Printf("supervisor stopped: %v", err)
			stop()
		}
		log.Print("supervisor routine terminated")
	}()

	mux := http.NewServeMux()
	sup.AttachAdminRoutes(mux)

	if cfg.History.Enabled {
		store, err := posehistory.Open(cfg.History.Path)
		if err != nil {
			log.Fatalf("failed to open pose history: %v", err)
		}
		defer store.Close()
		store.AttachAdminRoutes(mux)

		rec, err := posehistory.NewRecorder(store, sup, clock, posehistory.RecorderConfig{
			SampleRate: cfg.History.SampleRate,
			Mode:       cfg.Mode,
			DeviceID:   cfg.GetDeviceID(),
		})
		if err != nil {
			log.Fatalf("failed to create recorder: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rec.Run(ctx); err != nil {
				log.Printf("recorder stopped: %v", err)
			}
			log.Print("recorder routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		poll(ctx, tr, *pollEvery)
	}()

	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveDebug(ctx, *listen, mux)
		}()
	}

	wg.Wait()
	log.Print("graceful shutdown complete")
}

func loadConfig(path string) (*config.TrackerConfig, error) {
	if path == "" {
		return config.Default()
	}
	return config.LoadTrackerConfig(path)
}

// trackerOptions wires the configured engine to the rig. Local mode runs
// the synthetic detector over an orbiting scene.
func trackerOptions(cfg *config.TrackerConfig, rig *camera.Rig, clock timeutil.Clock) (tracker.Options, error) {
	mode, err := tracker.ParseMode(cfg.Mode)
	if err != nil {
		return tracker.Options{}, err
	}
	opts := tracker.Options{Mode: mode, Rig: rig, Clock: clock}
	switch mode {
	case tracker.ModeSidecar:
		opts.Sidecar, err = cfg.SidecarEngineConfig()
	default:
		opts.Local, err = cfg.LocalEngineConfig()
		if err == nil {
			ids := make([]pose.MarkerID, 0, len(opts.Local.Boards))
			for _, b := range opts.Local.Boards {
				ids = append(ids, b.MarkerID)
			}
			scene := detect.Orbit(r3.Vec{Z: 0.5}, 0.1, 4*time.Second, ids...)
			det := detect.NewSynthetic(scene, opts.Local.Boards...)
			det.Intrinsics = cfg.Local.Intrinsics
			opts.Detector = det
		}
	}
	return opts, err
}

// poll reads every marker through the tracker the way a renderer would.
func poll(ctx context.Context, tr tracker.MarkerTracker, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range tr.Cache().IDs() {
				if !tr.IsDetected(id) {
					monitoring.Debugf("[Consumer] marker %d not detected", id)
					continue
				}
				p := tr.GetWorldPosition(id)
				monitoring.Debugf("[Consumer] marker %d at (%.3f, %.3f, %.3f)", id, p.X, p.Y, p.Z)
			}
		}
	}
}

func serveDebug(ctx context.Context, addr string, mux *http.ServeMux) {
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()
	log.Printf("debug server listening on %s", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("failed to shut down server: %v", err)
	}
	log.Print("HTTP server routine stopped")
}
