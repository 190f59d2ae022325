package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/yorkracing/pitlink/internal/config"
	"github.com/yorkracing/pitlink/internal/influx"
	"github.com/yorkracing/pitlink/internal/ingest"
	"github.com/yorkracing/pitlink/internal/metrics"
	"github.com/yorkracing/pitlink/internal/server"
	"github.com/yorkracing/pitlink/internal/wire"
	"github.com/yorkracing/pitlink/web"
)

func main() {
	configPath := flag.String("config", "/etc/pitlink/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with synthesized telemetry instead of the serial port")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8000)")
	legacyPE2 := flag.Bool("legacy-pe2", false, "Decode PE2 frames with the old map-only layout")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] pitlink starting")

	cfg := config.Load(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] bad config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	store := ingest.NewSnapshotStore(ingest.StoreConfig{
		Keys:       cfg.Buffer.Keys,
		Window:     cfg.Window(),
		MaxPoints:  cfg.Buffer.MaxPoints,
		RateWindow: cfg.RateWindow(),
	})

	recorder, err := ingest.NewRunRecorder(cfg.RunsDir())
	if err != nil {
		log.Fatalf("[main] run recorder: %v", err)
	}
	defer recorder.StopRun()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	ingestM := metrics.NewIngest(reg)

	sinks := []ingest.Sink{recorder}
	if cfg.Influx.Enabled {
		token, err := cfg.InfluxToken()
		if err != nil {
			log.Fatalf("[main] influx: %v", err)
		}
		writer := influx.NewWriter(influx.Options{
			URL:    cfg.Influx.URL,
			Token:  token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
			System: cfg.Influx.System,
			Node:   cfg.Influx.Node,
		})
		defer writer.Close()
		sinks = append(sinks, writer)
	}

	port := ingest.DiscoverPort(cfg.Serial.Port, cfg.Serial.PortPatterns, "/dev/ttyACM0")
	dial := ingest.SerialDialer{Port: port, Baud: cfg.Serial.Baud}.Dial
	if *demo {
		port = "demo"
		dial = ingest.DemoDial
		log.Println("[main] demo mode: serial port not used")
	}

	loop := ingest.NewLoop(ingest.LoopConfig{
		Port:    port,
		Baud:    cfg.Serial.Baud,
		Decoder: wire.Decoder{LegacyPE2: *legacyPE2},
	}, dial, store, ingestM, sinks...)
	go loop.Run(ctx)

	srv := server.New(cfg.Server.ListenAddr, loop, recorder, ingestM, reg, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}
