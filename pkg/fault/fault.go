package fault

import (
	"github.com/cockroachdb/errors"
)

// Error categories. Every fatal error returned by tcmerge is marked with one of
// these so callers can branch on errors.Is without inspecting messages.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrSourceOpen    = errors.New("source open error")
	ErrSourceRead    = errors.New("source read error")
	ErrSinkOpen      = errors.New("sink open error")
	ErrSinkWrite     = errors.New("sink write error")
)

// Configuration returns a new configuration error.
func Configuration(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

// SourceOpen wraps err as a failure to open the input capture.
func SourceOpen(err error, msg string) error {
	return mark(err, ErrSourceOpen, msg)
}

// SourceRead wraps err as a failure while reading frames.
func SourceRead(err error, msg string) error {
	return mark(err, ErrSourceRead, msg)
}

// SinkOpen wraps err as a failure to create an output.
func SinkOpen(err error, msg string) error {
	return mark(err, ErrSinkOpen, msg)
}

// SinkWrite wraps err as a failure while writing an output.
func SinkWrite(err error, msg string) error {
	return mark(err, ErrSinkWrite, msg)
}

func mark(err, kind error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), kind)
}
