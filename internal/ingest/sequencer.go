package ingest

import "time"

// PacketSequencer tracks the firmware's packet counter to detect loss, and
// keeps a rolling window of arrival times so the reported rate reflects
// recent throughput rather than a lifetime average.
//
// Not safe for concurrent use: SnapshotStore owns one under its lock.
type PacketSequencer struct {
	lastID     int64
	haveLast   bool
	arrivals   []time.Time
	rateWindow time.Duration
}

// DefaultRateWindow is the trailing window for the Hz estimate.
const DefaultRateWindow = 5 * time.Second

func NewPacketSequencer(rateWindow time.Duration) *PacketSequencer {
	if rateWindow <= 0 {
		rateWindow = DefaultRateWindow
	}
	return &PacketSequencer{rateWindow: rateWindow}
}

// Observe records one packet arrival and returns how many packet ids were
// skipped since the previous one. Packets without an id still count toward
// the rate but not toward loss tracking. A decreasing id means the device
// rebooted and restarted its counter: tracking resets, no drop is counted.
func (s *PacketSequencer) Observe(pktID int64, hasID bool, now time.Time) int64 {
	s.arrivals = append(s.arrivals, now)
	s.pruneArrivals(now)

	if !hasID {
		return 0
	}

	var dropDelta int64
	if s.haveLast {
		switch {
		case pktID > s.lastID+1:
			dropDelta = pktID - s.lastID - 1
		case pktID < s.lastID:
			// Device restart; new sequence baseline.
			dropDelta = 0
		}
	}
	s.lastID = pktID
	s.haveLast = true
	return dropDelta
}

// RateHz estimates recent packet throughput from arrivals inside the window.
func (s *PacketSequencer) RateHz(now time.Time) float64 {
	s.pruneArrivals(now)
	if len(s.arrivals) < 2 {
		return 0
	}
	span := s.arrivals[len(s.arrivals)-1].Sub(s.arrivals[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(s.arrivals)) / span
}

// LastID returns the most recent packet id, if any packet carried one.
func (s *PacketSequencer) LastID() (int64, bool) {
	return s.lastID, s.haveLast
}

// Reset forgets all sequence and rate state.
func (s *PacketSequencer) Reset() {
	s.haveLast = false
	s.lastID = 0
	s.arrivals = s.arrivals[:0]
}

func (s *PacketSequencer) pruneArrivals(now time.Time) {
	cut := 0
	for cut < len(s.arrivals) && now.Sub(s.arrivals[cut]) > s.rateWindow {
		cut++
	}
	if cut > 0 {
		s.arrivals = append(s.arrivals[:0], s.arrivals[cut:]...)
	}
}
