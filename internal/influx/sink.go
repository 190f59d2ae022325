// Package influx uplinks decoded telemetry to InfluxDB 2.x so the shared
// Grafana dashboards can plot live sessions. Write failures are logged and
// dropped; local run logs are the durable record, not Influx.
package influx

import (
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/yorkracing/pitlink/internal/ingest"
)

const measurement = "telemetry"

// Options configure the uplink.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	System string // tag value: car, dyno
	Node   string // tag value: which board fed the stream
}

// Writer is an ingest.Sink that batches points through the client's async
// write API. The client buffers and retries internally; OnPacket never blocks
// on the network.
type Writer struct {
	client influxdb2.Client
	api    api.WriteAPI
	tags   map[string]string
}

func NewWriter(opts Options) *Writer {
	client := influxdb2.NewClient(opts.URL, opts.Token)
	writeAPI := client.WriteAPI(opts.Org, opts.Bucket)

	w := &Writer{
		client: client,
		api:    writeAPI,
		tags: map[string]string{
			"system": opts.System,
			"node":   opts.Node,
		},
	}

	// The async API reports failures on a channel; drain it so errors are
	// visible without stalling writes.
	go func() {
		for err := range writeAPI.Errors() {
			log.Printf("[influx] write failed: %v", err)
		}
	}()

	log.Printf("[influx] uplink to %s bucket=%s org=%s", opts.URL, opts.Bucket, opts.Org)
	return w
}

func (w *Writer) Name() string { return "influx" }

// OnPacket converts one packet into a point. Metadata counters go in as
// integer fields so Grafana can graph loss; everything else is a float.
func (w *Writer) OnPacket(pkt ingest.Packet) {
	fields := make(map[string]any, len(pkt.Fields)+2)
	for k, v := range pkt.Fields {
		if k == "pkt" || k == "ts_ms" {
			continue
		}
		fields[k] = v
	}
	fields["ts_ms"] = pkt.TsMs
	if pkt.HasPkt {
		fields["pkt"] = pkt.PktID
	}
	if len(fields) == 0 {
		return
	}

	ts := pkt.Recv
	if ts.IsZero() {
		ts = time.Now()
	}
	w.api.WritePoint(influxdb2.NewPoint(measurement, w.tags, fields, ts))
}

// Close flushes buffered points and shuts the client down.
func (w *Writer) Close() {
	w.api.Flush()
	w.client.Close()
}
