package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/yorkracing/pitlink/internal/wire"
)

// DialFunc opens the line transport. The production implementation wraps the
// serial port (see SerialDialer); tests inject a fake that replays lines.
type DialFunc func() (io.ReadCloser, error)

// Observer receives ingest events for metrics. All methods must be cheap.
type Observer interface {
	PacketIngested()
	PacketsDropped(n int64)
	BadLine()
	Reconnect()
}

// Counters are the per-line diagnostics kept by the loop. Monotonic for the
// process lifetime; they survive reconnects.
type Counters struct {
	LinesTotal   int64 `json:"lines_total"`
	LinesJSON    int64 `json:"lines_json"`
	LinesCAN     int64 `json:"lines_can"`
	LinesIgnored int64 `json:"lines_ignored"`
	LinesBad     int64 `json:"lines_bad"`
	BadJSON      int64 `json:"lines_bad_json"`
	Reconnects   int64 `json:"reconnects"`
}

// Status is the loop's side of the health report.
type Status struct {
	Connected bool     `json:"serial_connected"`
	Port      string   `json:"serial_port"`
	Baud      int      `json:"serial_baud"`
	Counters  Counters `json:"lines"`
}

// LoopConfig configures the ingestion loop.
type LoopConfig struct {
	Port    string
	Baud    int
	Decoder wire.Decoder
	Backoff time.Duration // reconnect delay; default 1.5s
}

const defaultBackoff = 1500 * time.Millisecond

// Loop owns the serial handle and drives the whole ingest path: read a line,
// classify, decode, sequence, store, fan out to sinks. One goroutine does
// all of it; everything shared with readers lives behind the store's lock or
// this loop's own mutex.
type Loop struct {
	cfg   LoopConfig
	dial  DialFunc
	store *SnapshotStore
	sinks []Sink
	obs   Observer // may be nil

	mu        sync.Mutex
	conn      io.ReadCloser
	connected bool
	counters  Counters

	partial   string // at most one pending truncated-JSON fragment
	synthPkt  int64  // synthesized sequence for legacy CAN frames
	lastDupID int64
	haveDup   bool
}

// NewLoop wires a loop. The store is both the query surface and the first
// sink; extra sinks (run recorder, Influx writer) are optional.
func NewLoop(cfg LoopConfig, dial DialFunc, store *SnapshotStore, obs Observer, sinks ...Sink) *Loop {
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Loop{cfg: cfg, dial: dial, store: store, obs: obs, sinks: sinks}
}

// Store returns the snapshot store consumers should query.
func (l *Loop) Store() *SnapshotStore { return l.store }

// Status returns a copy of the connection state and line counters.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Connected: l.connected,
		Port:      l.cfg.Port,
		Baud:      l.cfg.Baud,
		Counters:  l.counters,
	}
}

// Run blocks until ctx is canceled. It never returns on I/O errors: any
// failure closes the transport and re-dials after a fixed backoff, forever —
// the device is expected to eventually be reattached.
func (l *Loop) Run(ctx context.Context) {
	// Force-close the transport on cancel so a blocked read unblocks.
	go func() {
		<-ctx.Done()
		l.closeConn()
	}()

	for ctx.Err() == nil {
		conn, err := l.dial()
		if err != nil {
			log.Printf("[ingest] open failed on %s: %v; retrying", l.cfg.Port, err)
			if !sleepCtx(ctx, l.cfg.Backoff) {
				return
			}
			continue
		}

		l.mu.Lock()
		l.conn = conn
		l.connected = true
		l.mu.Unlock()
		log.Printf("[ingest] listening on %s @ %d", l.cfg.Port, l.cfg.Baud)

		l.readLines(ctx, conn)

		l.closeConn()
		if ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		l.counters.Reconnects++
		l.mu.Unlock()
		if l.obs != nil {
			l.obs.Reconnect()
		}
		if !sleepCtx(ctx, l.cfg.Backoff) {
			return
		}
	}
}

// readLines consumes the transport until it errors or ctx is canceled.
func (l *Loop) readLines(ctx context.Context, conn io.ReadCloser) {
	reader := bufio.NewReader(conn)
	for ctx.Err() == nil {
		raw, err := reader.ReadString('\n')
		if len(raw) > 0 {
			l.handleLine(sanitize(raw))
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[ingest] serial error: %v; reopening port", err)
			}
			return
		}
	}
}

// sanitize strips the newline and replaces invalid UTF-8 rather than failing:
// a glitched byte mid-stream must not poison the line.
func sanitize(raw string) string {
	raw = strings.TrimRight(raw, "\r\n")
	return strings.ToValidUTF8(raw, "")
}

func (l *Loop) handleLine(line string) {
	l.counterAdd(func(c *Counters) { c.LinesTotal++ })

	cls := wire.Classify(line)

	// A fresh truncation always overwrites any held fragment: the transport
	// splits a line at most once, so two pending fragments means the first
	// one is already lost.
	if cls.Kind == wire.Truncated {
		l.partial = cls.Text
		return
	}

	if l.partial != "" && cls.Kind == wire.BadLine {
		combined := l.partial + cls.Text
		l.partial = ""
		cls = wire.Classify(combined)
	} else if cls.Kind != wire.Ignore {
		l.partial = ""
	}

	switch cls.Kind {
	case wire.Ignore:
		l.counterAdd(func(c *Counters) { c.LinesIgnored++ })
		if cls.Text != "" {
			log.Printf("[ingest] %s", cls.Text)
		}
	case wire.BadLine:
		l.counterAdd(func(c *Counters) { c.LinesBad++ })
		if l.obs != nil {
			l.obs.BadLine()
		}
	case wire.LegacyCAN:
		l.counterAdd(func(c *Counters) { c.LinesCAN++ })
		l.handleCanFrame(cls.Frame)
	case wire.JSONCandidate:
		l.handleJSON(cls.Text)
	}
}

func (l *Loop) handleJSON(text string) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		l.counterAdd(func(c *Counters) { c.BadJSON++; c.LinesBad++ })
		if l.obs != nil {
			l.obs.BadLine()
		}
		log.Printf("[ingest] bad json: %s", preview(text))
		return
	}
	l.counterAdd(func(c *Counters) { c.LinesJSON++ })

	pkt := Packet{Recv: time.Now(), Fields: make(map[string]float64, len(obj))}
	for k, v := range obj {
		switch val := v.(type) {
		case float64:
			pkt.Fields[k] = val
		case string:
			if k == "src" {
				pkt.Src = val
			}
		}
	}
	if v, ok := pkt.Fields["ts_ms"]; ok {
		pkt.TsMs = int64(v)
	}
	if v, ok := pkt.Fields["pkt"]; ok {
		pkt.PktID = int64(v)
		pkt.HasPkt = true
	}

	// The firmware occasionally re-emits the same packet back to back;
	// skip exact consecutive duplicates so loss stats stay honest.
	if pkt.HasPkt && l.haveDup && pkt.PktID == l.lastDupID {
		return
	}
	if pkt.HasPkt {
		l.lastDupID = pkt.PktID
		l.haveDup = true
	}

	l.dispatch(pkt)
}

func (l *Loop) handleCanFrame(frame wire.CanFrame) {
	fields := l.cfg.Decoder.Decode(frame.ArbID, frame.Data[:])
	if len(fields) == 0 {
		// Bus chatter the decoder doesn't care about.
		return
	}

	// Legacy frames carry no sequence field; synthesize a strictly
	// increasing one so loss detection still works. Resets with the process.
	l.synthPkt++

	fields["ts_ms"] = float64(frame.TsMs)
	fields["pkt"] = float64(l.synthPkt)
	fields["node_id"] = 1

	l.dispatch(Packet{
		TsMs:   frame.TsMs,
		PktID:  l.synthPkt,
		HasPkt: true,
		Src:    "can",
		Fields: fields,
		Recv:   time.Now(),
	})
}

// dispatch is the single packet path: stats + store merge first, then sinks.
func (l *Loop) dispatch(pkt Packet) {
	dropped := l.store.Update(pkt)
	if l.obs != nil {
		l.obs.PacketIngested()
		if dropped > 0 {
			l.obs.PacketsDropped(dropped)
		}
	}
	for _, sink := range l.sinks {
		sink.OnPacket(pkt)
	}
}

func (l *Loop) counterAdd(fn func(*Counters)) {
	l.mu.Lock()
	fn(&l.counters)
	l.mu.Unlock()
}

func (l *Loop) closeConn() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.connected = false
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func preview(line string) string {
	if len(line) > 120 {
		return line[:120]
	}
	return line
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
