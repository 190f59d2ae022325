package wire

import (
	"strconv"
	"strings"
)

// Kind is the routing decision for one serial line.
type Kind int

const (
	// Ignore covers empty lines and firmware status/debug chatter ("#", "DBG").
	Ignore Kind = iota
	// BadLine is anything unrecognized or malformed. Droppable, but counted
	// for diagnostics so a misbehaving link is visible in health output.
	BadLine
	// LegacyCAN is a "CAN,..." CSV frame from older RP2040 sketches.
	LegacyCAN
	// JSONCandidate is a complete {...} object ready for json.Unmarshal.
	JSONCandidate
	// Truncated is a JSON object missing its closing brace. The transport
	// can split one object across two reads when the link is saturated, so
	// the caller must hold the fragment and prepend it to the next line.
	Truncated
)

// CanFrame is one parsed legacy CAN-CSV frame. The payload is always exactly
// 8 bytes: truncated or zero-padded from the wire DLC.
type CanFrame struct {
	TsMs  int64
	ArbID uint32
	Ext   bool
	DLC   int
	Data  [8]byte
}

// Classification is the result of routing one line.
type Classification struct {
	Kind  Kind
	Frame CanFrame // valid only when Kind == LegacyCAN
	Text  string   // the (trimmed) line, for JSON parse or fragment buffering
}

// Classify routes one text line from the serial stream. Rules in priority
// order: empty → Ignore, "#"/"DBG" prefix → Ignore, "CAN," → CSV frame parse
// (wrong arity or bad tokens → BadLine), "{" without trailing "}" → Truncated,
// "{...}" → JSONCandidate, anything else → BadLine. Never returns an error:
// the bus carries plenty of noise and a malformed line must not kill ingest.
func Classify(line string) Classification {
	line = strings.TrimSpace(line)

	if line == "" {
		return Classification{Kind: Ignore}
	}
	if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "DBG") {
		return Classification{Kind: Ignore, Text: line}
	}
	if strings.HasPrefix(line, "CAN,") {
		frame, ok := parseCanCSV(line)
		if !ok {
			return Classification{Kind: BadLine, Text: line}
		}
		return Classification{Kind: LegacyCAN, Frame: frame, Text: line}
	}
	if strings.HasPrefix(line, "{") {
		if !strings.HasSuffix(line, "}") {
			return Classification{Kind: Truncated, Text: line}
		}
		return Classification{Kind: JSONCandidate, Text: line}
	}
	return Classification{Kind: BadLine, Text: line}
}

// parseCanCSV parses "CAN,<ts_ms>,<id_hex>,<ext>,<dlc>,<b0>,...,<b7>".
// Exactly 13 comma-separated tokens are required.
func parseCanCSV(line string) (CanFrame, bool) {
	parts := strings.Split(line, ",")
	if len(parts) != 13 {
		return CanFrame{}, false
	}

	tsMs, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return CanFrame{}, false
	}
	arbID, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 16, 32)
	if err != nil {
		return CanFrame{}, false
	}
	ext, err := strconv.Atoi(strings.TrimSpace(parts[3]))
	if err != nil {
		return CanFrame{}, false
	}
	dlc, err := strconv.Atoi(strings.TrimSpace(parts[4]))
	if err != nil || dlc < 0 {
		return CanFrame{}, false
	}

	frame := CanFrame{
		TsMs:  tsMs,
		ArbID: uint32(arbID),
		Ext:   ext != 0,
		DLC:   dlc,
	}

	// Clamp to the DLC, zero-pad the rest. Bytes beyond the DLC are on the
	// wire but not valid data.
	if dlc > 8 {
		dlc = 8
		frame.DLC = 8
	}
	for i := 0; i < 8; i++ {
		b, err := strconv.Atoi(strings.TrimSpace(parts[5+i]))
		if err != nil || b < 0 {
			return CanFrame{}, false
		}
		if i < dlc {
			frame.Data[i] = byte(b & 0xFF)
		}
	}
	return frame, true
}
