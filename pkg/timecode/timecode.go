package timecode

import (
	"github.com/BIwashi/tcmerge/pkg/fault"
	"github.com/BIwashi/tcmerge/pkg/record"
)

const (
	// DefaultFrequencyHz is 64 time-codes per second (15625 us period).
	DefaultFrequencyHz = 64
	// DefaultMarker is the SpaceWire ESC character that prefixes a time-code.
	DefaultMarker byte = 0xFC

	// MaxCount bounds one generation run. Every record is held in memory
	// until the merge is written.
	MaxCount = 100_000_000

	counterModulo = 64
	usPerSecond   = 1_000_000
)

// Window is the interval over which time-codes are generated.
type Window struct {
	StartUs int64
	EndUs   int64
}

// NewWindow returns a validated window.
func NewWindow(startUs, endUs int64) (Window, error) {
	w := Window{StartUs: startUs, EndUs: endUs}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Validate checks that the window is non-empty.
func (w Window) Validate() error {
	if w.StartUs >= w.EndUs {
		return fault.Configuration("start (%d) must be less than end (%d)", w.StartUs, w.EndUs)
	}
	return nil
}

// Config controls generation.
type Config struct {
	FrequencyHz int
	Marker      byte
}

// DefaultConfig returns a 64 Hz generator using the ESC marker.
func DefaultConfig() Config {
	return Config{
		FrequencyHz: DefaultFrequencyHz,
		Marker:      DefaultMarker,
	}
}

// Validate rejects frequencies that do not yield a positive period.
func (c Config) Validate() error {
	if c.FrequencyHz <= 0 {
		return fault.Configuration("frequency must be a positive integer, got %d", c.FrequencyHz)
	}
	if c.FrequencyHz > usPerSecond {
		return fault.Configuration("frequency must not exceed %d Hz, got %d", usPerSecond, c.FrequencyHz)
	}
	return nil
}

// Period is the spacing between consecutive time-codes in microseconds.
func (c Config) Period() int64 {
	return usPerSecond / int64(c.FrequencyHz)
}

// Count is the number of time-codes Generate emits for w.
func Count(w Window, c Config) (int64, error) {
	if err := w.Validate(); err != nil {
		return 0, err
	}
	if err := c.Validate(); err != nil {
		return 0, err
	}
	span := w.EndUs - w.StartUs
	if span < 0 {
		return 0, fault.Configuration("window [%d, %d] is too wide", w.StartUs, w.EndUs)
	}
	n := span/c.Period() + 1
	if n > MaxCount {
		return 0, fault.Configuration("window [%d, %d] at %d Hz needs %d time-codes, more than %d", w.StartUs, w.EndUs, c.FrequencyHz, n, MaxCount)
	}
	return n, nil
}

// Generate emits a time-code at w.StartUs and every period after it while the
// timestamp is at or before w.EndUs. The counter starts at 0 and wraps after
// 63. Output depends only on the arguments.
func Generate(w Window, c Config) ([]record.Record, error) {
	n, err := Count(w, c)
	if err != nil {
		return nil, err
	}

	period := c.Period()
	out := make([]record.Record, 0, n)
	var counter uint8
	for i := int64(0); i < n; i++ {
		out = append(out, record.NewSynthetic(w.StartUs+i*period, c.Marker, counter))
		counter = (counter + 1) % counterModulo
	}
	return out, nil
}
