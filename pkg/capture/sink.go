package capture

import (
	"bufio"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/BIwashi/tcmerge/pkg/fault"
	"github.com/BIwashi/tcmerge/pkg/record"
)

// Format is a capture container format.
type Format string

const (
	FormatAuto   Format = "auto"
	FormatPcap   Format = "pcap"
	FormatPcapng Format = "pcapng"
)

// ParseFormat validates a user supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatAuto, FormatPcap, FormatPcapng:
		return f, nil
	case "":
		return FormatAuto, nil
	default:
		return "", fault.Configuration("unknown output format %q (want auto, pcap or pcapng)", s)
	}
}

// Resolve picks a concrete format for path when f is FormatAuto.
func (f Format) Resolve(path string) Format {
	if f != FormatAuto {
		return f
	}
	if strings.EqualFold(filepath.Ext(path), ".pcapng") {
		return FormatPcapng
	}
	return FormatPcap
}

const (
	// LinkTypeUser2 is LINKTYPE_USER2 (DLT_USER2), used for time-code frames.
	LinkTypeUser2 layers.LinkType = 149

	snapLength = 65535
)

// OutFrame is a record restated for the container: whole seconds, microsecond
// remainder, declared length, payload and kind.
type OutFrame struct {
	Seconds        int64
	Micros         int64
	DeclaredLength uint32
	Data           []byte
	Kind           record.Kind
}

func (f OutFrame) captureInfo(interfaceIndex int) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:      time.Unix(f.Seconds, f.Micros*1000),
		CaptureLength:  len(f.Data),
		Length:         int(f.DeclaredLength),
		InterfaceIndex: interfaceIndex,
	}
}

// SinkOptions describes the link types written for each record kind.
type SinkOptions struct {
	Format            Format
	OriginalLinkType  layers.LinkType
	SyntheticLinkType layers.LinkType
}

// Sink writes frames to a pcap or pcapng stream.
//
// pcapng output declares one interface per record kind so each frame carries
// its own link type. Classic pcap has a single link type per file; the
// synthetic link type is used for every frame.
type Sink struct {
	format     Format
	pcap       *pcapgo.Writer
	ng         *pcapgo.NgWriter
	buf        *bufio.Writer
	closer     io.Closer
	interfaces map[record.Kind]int
	written    uint64
}

// Create creates path and returns a sink writing opts.Format to it.
func Create(path string, opts SinkOptions) (*Sink, error) {
	opts.Format = opts.Format.Resolve(path)

	f, err := os.Create(path)
	if err != nil {
		return nil, fault.SinkOpen(err, "failed to create output capture")
	}
	s, err := NewSink(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewSink writes the container header to w. FormatAuto is treated as pcap.
func NewSink(w io.Writer, opts SinkOptions) (*Sink, error) {
	buf := bufio.NewWriter(w)
	s := &Sink{
		format:     opts.Format.Resolve(""),
		buf:        buf,
		interfaces: make(map[record.Kind]int),
	}

	switch s.format {
	case FormatPcapng:
		original := pcapgo.DefaultNgInterface
		original.Name = "original"
		original.LinkType = opts.OriginalLinkType
		original.SnapLength = snapLength

		ng, err := pcapgo.NewNgWriterInterface(buf, original, pcapgo.NgWriterOptions{
			SectionInfo: pcapgo.NgSectionInfo{Application: "tcmerge"},
		})
		if err != nil {
			return nil, fault.SinkOpen(err, "failed to create pcapng writer")
		}

		synthetic := pcapgo.DefaultNgInterface
		synthetic.Name = "timecode"
		synthetic.LinkType = opts.SyntheticLinkType
		synthetic.SnapLength = snapLength
		id, err := ng.AddInterface(synthetic)
		if err != nil {
			return nil, fault.SinkOpen(err, "failed to add timecode interface")
		}

		s.ng = ng
		s.interfaces[record.KindOriginal] = 0
		s.interfaces[record.KindSynthetic] = id
	default:
		pw := pcapgo.NewWriter(buf)
		if err := pw.WriteFileHeader(snapLength, opts.SyntheticLinkType); err != nil {
			return nil, fault.SinkOpen(err, "failed to write pcap header")
		}
		s.pcap = pw
	}

	return s, nil
}

// WriteFrame appends one frame. Both containers store unsigned seconds, so
// frames before the epoch are rejected, as are frames past 2106 for classic
// pcap.
func (s *Sink) WriteFrame(f OutFrame) error {
	if f.Seconds < 0 || (s.pcap != nil && f.Seconds > math.MaxUint32) {
		return fault.SinkWrite(errors.Newf("timestamp %d s is outside the %s range", f.Seconds, s.format), "failed to write packet")
	}

	var err error
	if s.ng != nil {
		err = s.ng.WritePacket(f.captureInfo(s.interfaces[f.Kind]), f.Data)
	} else {
		err = s.pcap.WritePacket(f.captureInfo(0), f.Data)
	}
	if err != nil {
		return fault.SinkWrite(err, "failed to write packet")
	}
	s.written++
	return nil
}

// Format is the container format being written.
func (s *Sink) Format() Format {
	return s.format
}

// Written returns the number of frames written so far.
func (s *Sink) Written() uint64 {
	return s.written
}

// Close flushes buffered output and closes the file, if Create opened one.
func (s *Sink) Close() error {
	var errs error
	if s.ng != nil {
		errs = errors.CombineErrors(errs, s.ng.Flush())
	}
	errs = errors.CombineErrors(errs, s.buf.Flush())
	if s.closer != nil {
		errs = errors.CombineErrors(errs, s.closer.Close())
	}
	if errs != nil {
		return fault.SinkWrite(errs, "failed to finalize output capture")
	}
	return nil
}
