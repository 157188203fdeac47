// Command sidecar-sim runs a synthetic tracking sidecar.
//
// This is useful for running the tracker in sidecar mode without the vision
// backend. Every stereo request is answered with poses of bodies circling a
// point half a metre in front of the world origin.
//
// Usage:
//
//	go run ./cmd/tools/sidecar-sim [flags]
//
// Flags:
//
//	-addr      Listen address (default: localhost:50052)
//	-rate      Maximum responses per second per stream, 0 for unlimited (default: 30)
//	-ids       Comma separated marker ids reported with a pose (default: 7,2)
//	-null-ids  Comma separated marker ids reported as not found
//	-period    Orbit period (default: 4s)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/banshee-data/marker.tracker/internal/monitoring"
	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/sidecar/sim"
)

func main() {
	addr := flag.String("addr", "localhost:50052", "Listen address")
	rate := flag.Float64("rate", 30, "Maximum responses per second per stream (0 for unlimited)")
	ids := flag.String("ids", "7,2", "Comma separated marker ids reported with a pose")
	nullIDs := flag.String("null-ids", "", "Comma separated marker ids reported as not found")
	period := flag.Duration("period", sim.DefaultConfig().Period, "Orbit period")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	monitoring.SetDebug(*debug)

	cfg := sim.DefaultConfig()
	var err error
	if cfg.IDs, err = parseIDs(*ids); err != nil {
		log.Fatalf("invalid -ids: %v", err)
	}
	if cfg.NullIDs, err = parseIDs(*nullIDs); err != nil {
		log.Fatalf("invalid -null-ids: %v", err)
	}
	if *rate < 0 {
		log.Fatalf("-rate must be non-negative, got %v", *rate)
	}
	cfg.MaxRate = *rate
	cfg.Period = *period

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *addr, err)
	}
	log.Printf("Configuration: ids=%v null=%v rate=%.1f Hz period=%v", cfg.IDs, cfg.NullIDs, cfg.MaxRate, cfg.Period)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := sim.NewServer(cfg)
	if err := srv.Serve(ctx, lis); err != nil {
		log.Fatalf("Sidecar stopped: %v", err)
	}
	st := srv.Stats()
	log.Printf("Shutting down after %d streams, %d requests, %d responses", st.Streams, st.Requests, st.Responses)
}

func parseIDs(s string) ([]pose.MarkerID, error) {
	var out []pose.MarkerID
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("marker id %q: %w", f, err)
		}
		out = append(out, pose.MarkerID(n))
	}
	return out, nil
}
