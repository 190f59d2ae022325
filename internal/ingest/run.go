package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// csvColumns is the fixed run-CSV schema. Missing fields render as empty
// strings so a column never silently becomes zero.
var csvColumns = []string{
	"ts_ms", "pi_ts_ms", "pkt", "src", "node_id",
	"rpm", "tps_pct", "fot_ms", "ign_deg",
	"baro_kpa", "map_kpa", "lambda",
	"batt_v", "coolant_c", "air_c", "oil_psi",
	"ws_fl_hz", "ws_fr_hz", "ws_bl_hz", "ws_br_hz",
}

// RunRecorder mirrors packets into per-run log files:
// runs/<run_id>/raw_ndjson.log (one JSON line per packet) and
// runs/<run_id>/telemetry.csv (fixed column schema, header once per run).
//
// At most one run is open at a time: StartRun closes the previous run before
// opening the new one, and StopRun is idempotent.
type RunRecorder struct {
	mu      sync.Mutex
	runsDir string

	runID         string
	rawFile       *os.File
	csvFile       *os.File
	csvWriter     *csv.Writer
	headerWritten bool
}

func NewRunRecorder(runsDir string) (*RunRecorder, error) {
	if err := os.MkdirAll(runsDir, 0755); err != nil {
		return nil, fmt.Errorf("runs dir %s: %w", runsDir, err)
	}
	return &RunRecorder{runsDir: runsDir}, nil
}

func (r *RunRecorder) Name() string { return "runlog" }

// StartRun begins a new run, generating a timestamp id when none is given.
// Any previously open run is closed first.
func (r *RunRecorder) StartRun(runID string) (string, error) {
	if runID == "" {
		runID = time.Now().Format("20060102_150405")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()

	runDir := filepath.Join(r.runsDir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", fmt.Errorf("run dir %s: %w", runDir, err)
	}

	raw, err := os.OpenFile(filepath.Join(runDir, "raw_ndjson.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open raw log: %w", err)
	}
	csvFh, err := os.OpenFile(filepath.Join(runDir, "telemetry.csv"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		raw.Close()
		return "", fmt.Errorf("open csv: %w", err)
	}

	r.rawFile = raw
	r.csvFile = csvFh
	r.csvWriter = csv.NewWriter(csvFh)
	r.headerWritten = false
	r.runID = runID

	log.Printf("[ingest] run %s started (%s)", runID, runDir)
	return runID, nil
}

// StopRun flushes and closes the current run's files. No-op when no run is open.
func (r *RunRecorder) StopRun() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *RunRecorder) stopLocked() {
	if r.runID != "" {
		log.Printf("[ingest] run %s stopped", r.runID)
	}
	if r.csvWriter != nil {
		r.csvWriter.Flush()
		r.csvWriter = nil
	}
	if r.csvFile != nil {
		r.csvFile.Close()
		r.csvFile = nil
	}
	if r.rawFile != nil {
		r.rawFile.Close()
		r.rawFile = nil
	}
	r.headerWritten = false
	r.runID = ""
}

// CurrentRunID returns the open run id, or "" when none is open.
func (r *RunRecorder) CurrentRunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// OnPacket appends the packet to both run files, if a run is open.
func (r *RunRecorder) OnPacket(pkt Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runID == "" {
		return
	}

	if err := r.writeRawLocked(pkt); err != nil {
		log.Printf("[ingest] raw log write failed: %v", err)
	}
	if err := r.writeCSVLocked(pkt); err != nil {
		log.Printf("[ingest] csv write failed: %v", err)
	}
}

func (r *RunRecorder) writeRawLocked(pkt Packet) error {
	obj := make(map[string]any, len(pkt.Fields)+4)
	for k, v := range pkt.Fields {
		obj[k] = v
	}
	obj["ts_ms"] = pkt.TsMs
	if pkt.HasPkt {
		obj["pkt"] = pkt.PktID
	}
	if pkt.Src != "" {
		obj["src"] = pkt.Src
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if _, err := r.rawFile.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (r *RunRecorder) writeCSVLocked(pkt Packet) error {
	if !r.headerWritten {
		if err := r.csvWriter.Write(csvColumns); err != nil {
			return err
		}
		r.headerWritten = true
	}

	recv := pkt.Recv
	if recv.IsZero() {
		recv = time.Now()
	}

	row := make([]string, len(csvColumns))
	for i, col := range csvColumns {
		switch col {
		case "ts_ms":
			row[i] = strconv.FormatInt(pkt.TsMs, 10)
		case "pi_ts_ms":
			row[i] = strconv.FormatInt(recv.UnixMilli(), 10)
		case "pkt":
			if pkt.HasPkt {
				row[i] = strconv.FormatInt(pkt.PktID, 10)
			}
		case "src":
			row[i] = pkt.Src
		case "node_id":
			if v, ok := pkt.Fields["node_id"]; ok {
				row[i] = formatField(v)
			}
		default:
			if v, ok := pkt.Fields[col]; ok {
				row[i] = formatField(v)
			}
		}
	}

	if err := r.csvWriter.Write(row); err != nil {
		return err
	}
	r.csvWriter.Flush()
	return r.csvWriter.Error()
}

func formatField(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
