package ingest

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu      sync.Mutex
	packets []Packet
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) OnPacket(pkt Packet) {
	c.mu.Lock()
	c.packets = append(c.packets, pkt)
	c.mu.Unlock()
}
func (c *captureSink) all() []Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Packet(nil), c.packets...)
}

type countObserver struct {
	mu       sync.Mutex
	ingested int
	dropped  int64
	bad      int
	reconns  int
}

func (o *countObserver) PacketIngested() { o.mu.Lock(); o.ingested++; o.mu.Unlock() }
func (o *countObserver) PacketsDropped(n int64) {
	o.mu.Lock()
	o.dropped += n
	o.mu.Unlock()
}
func (o *countObserver) BadLine()   { o.mu.Lock(); o.bad++; o.mu.Unlock() }
func (o *countObserver) Reconnect() { o.mu.Lock(); o.reconns++; o.mu.Unlock() }

func newTestLoop(t *testing.T) (*Loop, *captureSink, *countObserver) {
	t.Helper()
	store := NewSnapshotStore(StoreConfig{Keys: []string{"rpm", "tps_pct", "map_kpa", "oil_psi"}})
	sink := &captureSink{}
	obs := &countObserver{}
	loop := NewLoop(LoopConfig{Port: "test", Baud: 115200}, nil, store, obs, sink)
	return loop, sink, obs
}

func TestLoopJSONLine(t *testing.T) {
	loop, sink, obs := newTestLoop(t)

	loop.handleLine(`{"ts_ms":1200,"pkt":5,"src":"fw","rpm":3000,"map_kpa":88.5}`)

	pkts := sink.all()
	if len(pkts) != 1 {
		t.Fatalf("sink got %d packets, want 1", len(pkts))
	}
	pkt := pkts[0]
	if pkt.TsMs != 1200 || !pkt.HasPkt || pkt.PktID != 5 || pkt.Src != "fw" {
		t.Fatalf("metadata wrong: %+v", pkt)
	}
	if pkt.Fields["rpm"] != 3000 || pkt.Fields["map_kpa"] != 88.5 {
		t.Fatalf("fields wrong: %v", pkt.Fields)
	}
	if loop.store.Latest()["rpm"] != 3000 {
		t.Fatal("store did not merge the packet")
	}
	if obs.ingested != 1 {
		t.Fatalf("observer saw %d packets", obs.ingested)
	}
}

func TestLoopTruncatedReassembly(t *testing.T) {
	loop, sink, _ := newTestLoop(t)

	loop.handleLine(`{"ts_ms":1,"pkt":1,"rpm":3000,`)
	if got := len(sink.all()); got != 0 {
		t.Fatalf("fragment emitted %d packets", got)
	}
	loop.handleLine(`"map_kpa":88.5}`)

	pkts := sink.all()
	if len(pkts) != 1 {
		t.Fatalf("reassembly produced %d packets, want 1", len(pkts))
	}
	if pkts[0].Fields["rpm"] != 3000 || pkts[0].Fields["map_kpa"] != 88.5 {
		t.Fatalf("reassembled fields wrong: %v", pkts[0].Fields)
	}
	st := loop.Status()
	if st.Counters.LinesBad != 0 {
		t.Fatalf("reassembled line counted as bad: %+v", st.Counters)
	}
}

func TestLoopSecondTruncationOverwrites(t *testing.T) {
	loop, sink, _ := newTestLoop(t)

	loop.handleLine(`{"ts_ms":1,"pkt":1,"rpm":1111,`)
	loop.handleLine(`{"ts_ms":2,"pkt":2,"rpm":2222,`)
	loop.handleLine(`"map_kpa":50}`)

	pkts := sink.all()
	if len(pkts) != 1 {
		t.Fatalf("got %d packets, want 1", len(pkts))
	}
	if pkts[0].Fields["rpm"] != 2222 {
		t.Fatalf("stale fragment won: rpm = %v, want 2222", pkts[0].Fields["rpm"])
	}
}

func TestLoopCompleteLineDropsStaleFragment(t *testing.T) {
	loop, sink, _ := newTestLoop(t)

	loop.handleLine(`{"ts_ms":1,"pkt":1,"rpm":1111,`)
	loop.handleLine(`{"ts_ms":2,"pkt":2,"rpm":2222}`)
	// The tail of the old fragment never arrives; the next complete line
	// must not be corrupted by it.
	loop.handleLine(`{"ts_ms":3,"pkt":3,"rpm":3333}`)

	pkts := sink.all()
	if len(pkts) != 2 {
		t.Fatalf("got %d packets, want 2", len(pkts))
	}
	if pkts[0].Fields["rpm"] != 2222 || pkts[1].Fields["rpm"] != 3333 {
		t.Fatalf("packets wrong: %v / %v", pkts[0].Fields, pkts[1].Fields)
	}
}

func TestLoopLegacyCanLine(t *testing.T) {
	loop, sink, _ := newTestLoop(t)

	loop.handleLine("CAN,1234,0CFFF048,1,8,184,11,208,7,150,9,100,10")
	loop.handleLine("CAN,1284,0CFFF048,1,8,185,11,208,7,150,9,100,10")

	pkts := sink.all()
	if len(pkts) != 2 {
		t.Fatalf("got %d packets, want 2", len(pkts))
	}
	first := pkts[0]
	if first.Fields["rpm"] != 3000 || first.Fields["tps_pct"] != 200.0 {
		t.Fatalf("decoded fields wrong: %v", first.Fields)
	}
	if first.Src != "can" || first.TsMs != 1234 || first.Fields["node_id"] != 1 {
		t.Fatalf("synthesized metadata wrong: %+v", first)
	}
	// Synthetic sequence is strictly increasing.
	if !first.HasPkt || first.PktID != 1 || pkts[1].PktID != 2 {
		t.Fatalf("synthetic pkt ids = %d, %d; want 1, 2", first.PktID, pkts[1].PktID)
	}
}

func TestLoopUnknownCanIDSkipped(t *testing.T) {
	loop, sink, _ := newTestLoop(t)

	loop.handleLine("CAN,1234,1FFFFFFF,1,8,1,2,3,4,5,6,7,8")
	if got := len(sink.all()); got != 0 {
		t.Fatalf("unknown arbitration id emitted %d packets", got)
	}
	// The synthetic counter must not advance for skipped frames.
	loop.handleLine("CAN,1300,0CFFF048,1,8,184,11,0,0,0,0,0,0")
	if pkts := sink.all(); len(pkts) != 1 || pkts[0].PktID != 1 {
		t.Fatalf("synthetic counter advanced past skipped frame")
	}
}

func TestLoopBadLines(t *testing.T) {
	loop, sink, obs := newTestLoop(t)

	loop.handleLine("CAN,1234,0CFFF048,1,8,1,2,3,4,5,6,7") // 12 tokens
	loop.handleLine("PONG")
	loop.handleLine(`{"ts_ms":1,"pkt":1,"rpm":}`) // malformed JSON
	loop.handleLine("# boot banner")
	loop.handleLine("DBG can init ok")
	loop.handleLine("")

	if got := len(sink.all()); got != 0 {
		t.Fatalf("noise emitted %d packets", got)
	}
	st := loop.Status()
	if st.Counters.LinesBad != 3 {
		t.Fatalf("LinesBad = %d, want 3", st.Counters.LinesBad)
	}
	if st.Counters.BadJSON != 1 {
		t.Fatalf("BadJSON = %d, want 1", st.Counters.BadJSON)
	}
	if st.Counters.LinesIgnored != 3 {
		t.Fatalf("LinesIgnored = %d, want 3", st.Counters.LinesIgnored)
	}
	if obs.bad != 3 {
		t.Fatalf("observer bad = %d, want 3", obs.bad)
	}
}

func TestLoopConsecutiveDuplicateDropped(t *testing.T) {
	loop, sink, _ := newTestLoop(t)

	loop.handleLine(`{"ts_ms":1,"pkt":9,"rpm":1000}`)
	loop.handleLine(`{"ts_ms":1,"pkt":9,"rpm":1000}`)
	loop.handleLine(`{"ts_ms":2,"pkt":10,"rpm":1100}`)

	if got := len(sink.all()); got != 2 {
		t.Fatalf("got %d packets, want 2 (duplicate suppressed)", got)
	}
}

func TestLoopDropObserved(t *testing.T) {
	loop, _, obs := newTestLoop(t)

	loop.handleLine(`{"ts_ms":1,"pkt":1,"rpm":1000}`)
	loop.handleLine(`{"ts_ms":2,"pkt":6,"rpm":1100}`)

	if obs.dropped != 4 {
		t.Fatalf("observer dropped = %d, want 4", obs.dropped)
	}
}

// scriptDialer hands out one reader per dial, then blocks dials forever.
type scriptDialer struct {
	mu      sync.Mutex
	readers []io.ReadCloser
	dials   int
}

func (d *scriptDialer) dial() (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.readers) {
		return nil, io.ErrClosedPipe
	}
	r := d.readers[d.dials]
	d.dials++
	return r, nil
}

func TestLoopRunReconnects(t *testing.T) {
	store := NewSnapshotStore(StoreConfig{Keys: []string{"rpm"}})
	dialer := &scriptDialer{readers: []io.ReadCloser{
		io.NopCloser(strings.NewReader(`{"ts_ms":1,"pkt":1,"rpm":1000}` + "\n")),
		io.NopCloser(strings.NewReader(`{"ts_ms":2,"pkt":2,"rpm":2000}` + "\n")),
	}}
	loop := NewLoop(LoopConfig{Port: "test", Baud: 115200, Backoff: time.Millisecond},
		dialer.dial, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for store.Stats().TotalPackets < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for packets across reconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if loop.Status().Counters.Reconnects < 1 {
		t.Fatal("no reconnect counted after first reader EOF")
	}
	if store.Latest()["rpm"] != 2000 {
		t.Fatalf("second session packet missing: latest = %v", store.Latest())
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("{\"a\":1}\r\n"); got != `{"a":1}` {
		t.Fatalf("sanitize = %q", got)
	}
	// Invalid UTF-8 bytes are dropped, not fatal.
	if got := sanitize("ok\xff\xfe\n"); got != "ok" {
		t.Fatalf("sanitize = %q", got)
	}
}
