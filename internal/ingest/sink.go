package ingest

// Sink receives every decoded packet after the snapshot store has merged it.
// Implementations must not block the ingest path for long and must swallow
// their own errors (log and count; the loop never fails because a sink did).
type Sink interface {
	Name() string
	OnPacket(pkt Packet)
}
