package record

// Kind distinguishes captured frames from generated time-code frames.
type Kind int

const (
	KindOriginal Kind = iota
	KindSynthetic
)

func (k Kind) String() string {
	switch k {
	case KindOriginal:
		return "original"
	case KindSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// CounterMask keeps the six time-code bits; the two control bits stay zero.
const CounterMask = 0x3F

// Body is the kind-specific part of a Record.
type Body interface {
	Kind() Kind
	Payload() []byte
	DeclaredLength() uint32
}

// Record is a frame placed on the timeline at an absolute microsecond timestamp.
type Record struct {
	TimestampUs int64
	Body        Body
}

func (r Record) Kind() Kind             { return r.Body.Kind() }
func (r Record) Payload() []byte        { return r.Body.Payload() }
func (r Record) DeclaredLength() uint32 { return r.Body.DeclaredLength() }

// Original is a frame read from the input capture.
type Original struct {
	Data       []byte
	WireLength uint32
}

// NewOriginal builds an original record. A wire length shorter than the
// captured data is raised to the captured length.
func NewOriginal(timestampUs int64, data []byte, wireLength uint32) Record {
	if n := uint32(len(data)); wireLength < n {
		wireLength = n
	}
	return Record{
		TimestampUs: timestampUs,
		Body:        Original{Data: data, WireLength: wireLength},
	}
}

func (o Original) Kind() Kind             { return KindOriginal }
func (o Original) Payload() []byte        { return o.Data }
func (o Original) DeclaredLength() uint32 { return o.WireLength }

// Synthetic is a generated time-code frame: an escape marker followed by a
// 6-bit counter.
type Synthetic struct {
	Marker  byte
	Counter uint8
}

// NewSynthetic builds a time-code record.
func NewSynthetic(timestampUs int64, marker byte, counter uint8) Record {
	return Record{
		TimestampUs: timestampUs,
		Body:        Synthetic{Marker: marker, Counter: counter & CounterMask},
	}
}

func (s Synthetic) Kind() Kind { return KindSynthetic }

func (s Synthetic) Payload() []byte {
	return []byte{s.Marker, s.Counter & CounterMask}
}

func (s Synthetic) DeclaredLength() uint32 { return 2 }
