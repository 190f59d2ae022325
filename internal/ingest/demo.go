package ingest

import (
	"encoding/json"
	"io"
	"math"
	"time"
)

// DemoDial returns a transport that synthesizes plausible NDJSON telemetry
// at roughly 20 Hz, for developing the dashboard without the car. The shapes
// are slow sinusoids so gauges and plots visibly move.
func DemoDial() (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go demoFeed(pw)
	return pr, nil
}

func demoFeed(pw *io.PipeWriter) {
	defer pw.Close()

	enc := json.NewEncoder(pw)
	start := time.Now()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var pkt int64
	for now := range ticker.C {
		t := now.Sub(start).Seconds()
		pkt++

		phase := func(period, lo, hi float64) float64 {
			mid := (lo + hi) / 2
			amp := (hi - lo) / 2
			return mid + amp*math.Sin(2*math.Pi*t/period)
		}

		rpm := phase(8, 1800, 11500)
		sample := map[string]any{
			"ts_ms":     now.Sub(start).Milliseconds(),
			"pkt":       pkt,
			"src":       "demo",
			"node_id":   1,
			"rpm":       math.Round(rpm),
			"tps_pct":   phase(8, 0, 100),
			"fot_ms":    phase(8, 2.0, 14.0),
			"ign_deg":   phase(8, 10, 32),
			"map_kpa":   phase(8, 30, 101),
			"baro_kpa":  101.3,
			"lambda":    phase(5, 0.82, 1.05),
			"batt_v":    phase(30, 12.9, 14.2),
			"coolant_c": phase(120, 70, 96),
			"air_c":     phase(300, 24, 33),
			"oil_psi":   phase(8, 18, 62),
			"ws_fl_hz":  phase(12, 0, 160),
			"ws_fr_hz":  phase(12, 0, 160),
			"ws_bl_hz":  phase(12, 0, 158),
			"ws_br_hz":  phase(12, 0, 158),
		}
		if err := enc.Encode(sample); err != nil {
			// Reader closed; the loop is shutting down or reconnecting.
			return
		}
	}
}
