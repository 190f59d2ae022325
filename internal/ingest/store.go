package ingest

import (
	"sync"
	"time"
)

// StoreConfig bounds the history buffer.
type StoreConfig struct {
	Keys       []string      // tracked series; nil means DefaultKeys
	Window     time.Duration // retention horizon for history samples
	MaxPoints  int           // hard cap on retained samples, regardless of window
	RateWindow time.Duration // trailing window for the Hz estimate
}

const (
	DefaultWindow    = 30 * time.Second
	DefaultMaxPoints = 5000
)

// Row is one history sample as consumed by the raw table view. Values are
// pointers so "no reading" stays distinguishable from zero.
type Row struct {
	Pkt    *int64              `json:"pkt"`
	TRelS  float64             `json:"t_rel_s"`
	TAbsS  float64             `json:"t_abs_s"`
	Values map[string]*float64 `json:"values"`
}

// Stats is a point-in-time copy of the ingest counters.
type Stats struct {
	StartTime      time.Time
	LastPacketTime time.Time // zero until the first packet
	TotalPackets   int64
	DropCount      int64
	LastPktID      *int64
	RateHz         float64
}

// LastPacketAgeS returns seconds since the last packet, or false if none yet.
func (s Stats) LastPacketAgeS(now time.Time) (float64, bool) {
	if s.LastPacketTime.IsZero() {
		return 0, false
	}
	age := now.Sub(s.LastPacketTime).Seconds()
	if age < 0 {
		age = 0
	}
	return age, true
}

// Snapshot is a consistent copy of the history buffer plus current stats,
// safe to hold while the ingest loop keeps writing.
type Snapshot struct {
	Timestamps []float64             `json:"timestamps"` // absolute unix seconds
	Series     map[string][]*float64 `json:"series"`
	Rows       []Row                 `json:"rows"`
	RateHz     float64               `json:"rate_hz"`
	LastPktID  *int64                `json:"last_pkt_id"`
	LastUpdate time.Time             `json:"last_update"`
	Total      int64                 `json:"total"`
	StartTime  time.Time             `json:"start_time"`
}

// SnapshotStore holds the latest value per field plus a bounded, time-pruned
// history of samples. One goroutine (the ingestion loop) writes; any number
// of readers take copies. A single mutex guards both structures so a packet
// merges atomically — readers never see half of one.
type SnapshotStore struct {
	mu sync.Mutex

	keys      []string
	window    time.Duration
	maxPoints int

	latest map[string]float64

	timestamps []time.Time
	series     map[string][]*float64
	rows       []Row

	seq        *PacketSequencer
	startTime  time.Time
	lastPacket time.Time
	lastPktID  *int64
	total      int64
	drops      int64
}

func NewSnapshotStore(cfg StoreConfig) *SnapshotStore {
	keys := cfg.Keys
	if len(keys) == 0 {
		keys = DefaultKeys
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = DefaultMaxPoints
	}
	s := &SnapshotStore{
		keys:      append([]string(nil), keys...),
		window:    cfg.Window,
		maxPoints: cfg.MaxPoints,
		latest:    make(map[string]float64),
		series:    make(map[string][]*float64, len(keys)),
		seq:       NewPacketSequencer(cfg.RateWindow),
		startTime: time.Now(),
	}
	for _, k := range s.keys {
		s.series[k] = nil
	}
	return s
}

// Keys returns the tracked series names.
func (s *SnapshotStore) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Update merges one packet: sequence/loss accounting, last-write-wins merge
// into the latest map, and one appended history sample, all in a single
// critical section. Returns the number of packets detected lost by this
// packet's sequence id (0 almost always).
func (s *SnapshotStore) Update(pkt Packet) int64 {
	now := pkt.Recv
	if now.IsZero() {
		now = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.lastPacket = now
	dropped := s.seq.Observe(pkt.PktID, pkt.HasPkt, now)
	s.drops += dropped
	if pkt.HasPkt {
		id := pkt.PktID
		s.lastPktID = &id
	}

	for k, v := range pkt.Fields {
		s.latest[k] = v
	}

	row := Row{
		TRelS:  now.Sub(s.startTime).Seconds(),
		TAbsS:  float64(now.UnixNano()) / 1e9,
		Values: make(map[string]*float64, len(s.keys)),
	}
	if pkt.HasPkt {
		id := pkt.PktID
		row.Pkt = &id
	}

	s.timestamps = append(s.timestamps, now)
	for _, k := range s.keys {
		var vp *float64
		if v, ok := pkt.Fields[k]; ok {
			vv := v
			vp = &vv
		}
		s.series[k] = append(s.series[k], vp)
		row.Values[k] = vp
	}
	s.rows = append(s.rows, row)

	s.pruneLocked(now)
	return dropped
}

// Latest returns an independent copy of the latest-value map.
func (s *SnapshotStore) Latest() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// Stats returns a copy of the current counters.
func (s *SnapshotStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(time.Now())
}

func (s *SnapshotStore) statsLocked(now time.Time) Stats {
	st := Stats{
		StartTime:      s.startTime,
		LastPacketTime: s.lastPacket,
		TotalPackets:   s.total,
		DropCount:      s.drops,
		RateHz:         s.seq.RateHz(now),
	}
	if s.lastPktID != nil {
		id := *s.lastPktID
		st.LastPktID = &id
	}
	return st
}

// Snapshot returns a consistent point-in-time copy of the history buffer
// with up to maxRows raw rows (newest retained).
func (s *SnapshotStore) Snapshot(maxRows int) Snapshot {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := make([]float64, len(s.timestamps))
	for i, t := range s.timestamps {
		ts[i] = float64(t.UnixNano()) / 1e9
	}
	series := make(map[string][]*float64, len(s.series))
	for k, vals := range s.series {
		series[k] = append([]*float64(nil), vals...)
	}
	rows := s.rows
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[len(rows)-maxRows:]
	}
	rowsCopy := append([]Row(nil), rows...)

	snap := Snapshot{
		Timestamps: ts,
		Series:     series,
		Rows:       rowsCopy,
		RateHz:     s.seq.RateHz(now),
		LastUpdate: s.lastPacket,
		Total:      s.total,
		StartTime:  s.startTime,
	}
	if s.lastPktID != nil {
		id := *s.lastPktID
		snap.LastPktID = &id
	}
	return snap
}

// Clear resets all state and restarts the elapsed-time baseline. Safe to
// call concurrently with ongoing updates.
func (s *SnapshotStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = make(map[string]float64)
	s.timestamps = nil
	for _, k := range s.keys {
		s.series[k] = nil
	}
	s.rows = nil
	s.seq.Reset()
	s.lastPktID = nil
	s.total = 0
	s.drops = 0
	s.lastPacket = time.Time{}
	s.startTime = time.Now()
}

// pruneLocked enforces both retention bounds: the time window and the hard
// point cap (the cap protects memory if the packet rate spikes far above
// what the window was sized for).
func (s *SnapshotStore) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(s.timestamps) && now.Sub(s.timestamps[cut]) > s.window {
		cut++
	}
	if over := len(s.timestamps) - cut - s.maxPoints; over > 0 {
		cut += over
	}
	if cut == 0 {
		return
	}
	s.timestamps = append(s.timestamps[:0], s.timestamps[cut:]...)
	for _, k := range s.keys {
		s.series[k] = append(s.series[k][:0], s.series[k][cut:]...)
	}
	s.rows = append(s.rows[:0], s.rows[cut:]...)
}

// OnPacket implements Sink so the store can sit in the sink fan-out chain.
func (s *SnapshotStore) OnPacket(pkt Packet) { s.Update(pkt) }

// Name implements Sink.
func (s *SnapshotStore) Name() string { return "store" }
