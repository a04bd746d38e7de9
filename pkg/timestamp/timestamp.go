package timestamp

import (
	"fmt"
	"time"
)

// Precision is the resolution of a capture's sub-second field.
type Precision int

const (
	Microsecond Precision = iota
	Nanosecond
)

func (p Precision) String() string {
	if p == Nanosecond {
		return "nanosecond"
	}
	return "microsecond"
}

const usPerSecond = 1_000_000

// jst is a fixed +09:00 zone; the host timezone database is never consulted.
var jst = time.FixedZone("JST", 9*60*60)

// ToEpochUs converts a capture-native timestamp to microseconds since the
// Unix epoch. Nanosecond sub-second values are truncated, never rounded.
func ToEpochUs(seconds, subsecond int64, precision Precision) int64 {
	subsecondUs := subsecond
	if precision == Nanosecond {
		subsecondUs = subsecond / 1000
	}
	return seconds*usPerSecond + subsecondUs
}

// Split restates epochUs as whole seconds and a microsecond remainder in
// [0, 1_000_000).
func Split(epochUs int64) (seconds, micros int64) {
	seconds = epochUs / usPerSecond
	micros = epochUs % usPerSecond
	if micros < 0 {
		micros += usPerSecond
		seconds--
	}
	return seconds, micros
}

// FormatFixedOffset renders epochUs as "YYYY-MM-DD HH:MM:SS.ffffff+09:00".
func FormatFixedOffset(epochUs int64) string {
	seconds, micros := Split(epochUs)
	t := time.Unix(seconds, 0).In(jst)
	return fmt.Sprintf("%s.%06d+09:00", t.Format(time.DateTime), micros)
}
