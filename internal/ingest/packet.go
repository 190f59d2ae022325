package ingest

import "time"

// Packet is one decoded telemetry packet, the unit handed to every sink.
// Fields holds the named numeric readings (rpm, map_kpa, oil_psi, ...) plus
// the numeric metadata keys the firmware sends (ts_ms, pkt, node_id). Keys
// the schema doesn't recognize pass through opaquely.
type Packet struct {
	TsMs   int64  // device-reported timestamp, ms; may reset on reboot
	PktID  int64  // firmware sequence id, valid only when HasPkt
	HasPkt bool   //
	Src    string // provenance tag ("can" for legacy frames)

	Fields map[string]float64

	Recv time.Time // Pi-side arrival time
}

// DefaultKeys is the fixed column schema tracked in the history buffer and
// the run CSV, matching the complete AN400 broadcast set (PE1-PE16) the
// RP2040 firmware can emit. TELEM_KEYS overrides it.
var DefaultKeys = []string{
	"rpm", "tps_pct", "fot_ms", "ign_deg",
	"baro_kpa", "map_kpa", "lambda", "lambda2", "lambda_target", "afr",
	"batt_v", "coolant_c", "air_c", "oil_psi",
	"ws_fl_hz", "ws_fr_hz", "ws_bl_hz", "ws_br_hz",
	"shock_fl_v", "shock_fr_v", "shock_bl_v", "shock_br_v",
}
