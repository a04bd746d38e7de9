package capture

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/klauspost/compress/gzip"

	"github.com/BIwashi/tcmerge/pkg/fault"
	"github.com/BIwashi/tcmerge/pkg/timestamp"
)

// pcapng files start with a Section Header Block.
var ngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

// Frame is one captured frame with its timestamp in capture-native form.
type Frame struct {
	Seconds    int64
	Subsecond  int64
	Precision  timestamp.Precision
	WireLength uint32
	Data       []byte
}

// EpochUs normalizes the frame timestamp to microseconds since the epoch.
func (f Frame) EpochUs() int64 {
	return timestamp.ToEpochUs(f.Seconds, f.Subsecond, f.Precision)
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source reads frames sequentially from a pcap or pcapng stream.
type Source struct {
	reader      packetReader
	precision   timestamp.Precision
	format      Format
	closer      io.Closer
	packetCount uint64
}

// Open opens path as a capture. Paths ending in ".gz" are decompressed.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.SourceOpen(err, "failed to open capture file")
	}

	var (
		r      io.Reader = f
		closer io.Closer = f
	)
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fault.SourceOpen(err, "failed to create gzip reader")
		}
		r = zr
		closer = multiCloser{zr, f}
	}

	src, err := NewSource(r)
	if err != nil {
		closer.Close()
		return nil, err
	}
	src.closer = closer
	return src, nil
}

// NewSource sniffs the stream format and prepares a reader for it.
func NewSource(r io.Reader) (*Source, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(ngMagic))
	if err != nil {
		return nil, fault.SourceOpen(err, "failed to read capture header")
	}

	if bytes.Equal(magic, ngMagic) {
		opts := pcapgo.DefaultNgReaderOptions
		opts.WantMixedLinkType = true
		ngReader, err := pcapgo.NewNgReader(br, opts)
		if err != nil {
			return nil, fault.SourceOpen(err, "failed to create pcapng reader")
		}
		// pcapgo scales every interface resolution to nanoseconds.
		return &Source{reader: ngReader, precision: timestamp.Nanosecond, format: FormatPcapng}, nil
	}

	pcapReader, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fault.SourceOpen(err, "failed to create pcap reader")
	}
	precision := timestamp.Microsecond
	if pcapReader.Resolution() == gopacket.TimestampResolutionNanosecond {
		precision = timestamp.Nanosecond
	}
	return &Source{reader: pcapReader, precision: precision, format: FormatPcap}, nil
}

// Next returns the next frame, or io.EOF once the capture is exhausted.
func (s *Source) Next() (Frame, error) {
	data, ci, err := s.reader.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fault.SourceRead(err, "failed to read packet data")
	}
	s.packetCount++

	subsecond := int64(ci.Timestamp.Nanosecond())
	if s.precision == timestamp.Microsecond {
		subsecond /= 1000
	}
	return Frame{
		Seconds:    ci.Timestamp.Unix(),
		Subsecond:  subsecond,
		Precision:  s.precision,
		WireLength: uint32(ci.Length),
		Data:       data,
	}, nil
}

// LinkType is the link type of the capture (first interface for pcapng).
func (s *Source) LinkType() layers.LinkType {
	return s.reader.LinkType()
}

// Precision is the sub-second resolution reported by the capture header.
func (s *Source) Precision() timestamp.Precision {
	return s.precision
}

// Format is the detected container format.
func (s *Source) Format() Format {
	return s.format
}

// PacketCount returns the number of frames read so far.
func (s *Source) PacketCount() uint64 {
	return s.packetCount
}

// Close releases the underlying file, if Open created one.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs error
	for _, c := range m {
		errs = errors.CombineErrors(errs, c.Close())
	}
	return errs
}
