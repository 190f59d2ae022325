package ingest

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"go.bug.st/serial"
)

// DefaultPortPatterns are the stable by-id paths the CAN bridge boards
// enumerate under, tried in order before falling back to an explicit path.
var DefaultPortPatterns = []string{
	"/dev/serial/by-id/usb-Adafruit_Feather_RP2040_CAN_*",
	"/dev/serial/by-id/usb-Adafruit_Industries_LLC_Feather_RP2040_CAN_*",
	"/dev/serial/by-id/usb-Raspberry_Pi_Pico_*",
}

// DiscoverPort resolves the serial device to read from. An explicit non-auto
// port wins; otherwise the first glob match is used (glob results come back
// sorted, so the choice is stable), then the fallback.
func DiscoverPort(configured string, patterns []string, fallback string) string {
	if configured != "" && configured != "auto" {
		return configured
	}
	if len(patterns) == 0 {
		patterns = DefaultPortPatterns
	}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err == nil && len(matches) > 0 {
			return matches[0]
		}
	}
	return fallback
}

// SerialDialer opens the telemetry port with go.bug.st/serial, which holds
// the tty exclusively on Linux. If the port is busy (a logger script already
// holds it), it degrades to a plain shared open so we can still listen.
type SerialDialer struct {
	Port string
	Baud int
}

func (d SerialDialer) Dial() (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: d.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.Port, mode)
	if err == nil {
		// Stale bytes from before we attached would desync the first line.
		if rerr := port.ResetInputBuffer(); rerr != nil {
			log.Printf("[ingest] input buffer reset failed: %v", rerr)
		}
		return port, nil
	}

	if !isBusy(err) {
		return nil, fmt.Errorf("open %s: %w", d.Port, err)
	}

	// Shared open: the other holder already configured the line discipline,
	// so a raw file handle is enough to read from.
	log.Printf("[ingest] %s is held exclusively; falling back to shared open", d.Port)
	fh, ferr := os.OpenFile(d.Port, os.O_RDWR, 0)
	if ferr != nil {
		return nil, fmt.Errorf("open %s: %w", d.Port, err)
	}
	return fh, nil
}

func isBusy(err error) bool {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		return pe.Code() == serial.PortBusy
	}
	return false
}
