package capture

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIwashi/tcmerge/pkg/fault"
	"github.com/BIwashi/tcmerge/pkg/record"
	"github.com/BIwashi/tcmerge/pkg/timestamp"
)

type testPacket struct {
	ts     time.Time
	data   []byte
	length int
}

func writePcap(t *testing.T, nanos bool, packets []testPacket) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if nanos {
		w = pcapgo.NewWriterNanos(&buf)
	}
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for _, p := range packets {
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     p.ts,
			CaptureLength: len(p.data),
			Length:        p.length,
		}, p.data))
	}
	return buf.Bytes()
}

func readAll(t *testing.T, src *Source) []Frame {
	t.Helper()

	var frames []Frame
	for {
		f, err := src.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestSourceMicrosecondPcap(t *testing.T) {
	raw := writePcap(t, false, []testPacket{
		{ts: time.Unix(1700000000, 500000*1000), data: []byte{1, 2, 3}, length: 60},
		{ts: time.Unix(1700000001, 0), data: []byte{4}, length: 1},
	})

	src, err := NewSource(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, FormatPcap, src.Format())
	assert.Equal(t, timestamp.Microsecond, src.Precision())
	assert.Equal(t, layers.LinkTypeEthernet, src.LinkType())

	frames := readAll(t, src)
	require.Len(t, frames, 2)
	assert.Equal(t, Frame{
		Seconds:    1700000000,
		Subsecond:  500000,
		Precision:  timestamp.Microsecond,
		WireLength: 60,
		Data:       []byte{1, 2, 3},
	}, frames[0])
	assert.Equal(t, int64(1700000000500000), frames[0].EpochUs())
	assert.Equal(t, int64(1700000001000000), frames[1].EpochUs())
	assert.Equal(t, uint64(2), src.PacketCount())
}

func TestSourceNanosecondPcapTruncates(t *testing.T) {
	raw := writePcap(t, true, []testPacket{
		{ts: time.Unix(1700000000, 999), data: []byte{1}, length: 1},
		{ts: time.Unix(1700000000, 123456789), data: []byte{2}, length: 1},
	})

	src, err := NewSource(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, timestamp.Nanosecond, src.Precision())

	frames := readAll(t, src)
	require.Len(t, frames, 2)
	assert.Equal(t, int64(999), frames[0].Subsecond)
	assert.Equal(t, int64(1700000000000000), frames[0].EpochUs())
	assert.Equal(t, int64(1700000000123456), frames[1].EpochUs())
}

func TestSourceEmptyCapture(t *testing.T) {
	src, err := NewSource(bytes.NewReader(writePcap(t, false, nil)))
	require.NoError(t, err)

	_, err = src.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestSourceRejectsGarbage(t *testing.T) {
	_, err := NewSource(bytes.NewReader([]byte("definitely not a capture file")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrSourceOpen))

	_, err = NewSource(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, fault.ErrSourceOpen))
}

func TestSourceTruncatedRecordIsReadError(t *testing.T) {
	raw := writePcap(t, false, []testPacket{
		{ts: time.Unix(1, 0), data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, length: 8},
	})

	src, err := NewSource(bytes.NewReader(raw[:len(raw)-4]))
	require.NoError(t, err)

	_, err = src.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrSourceRead))
}

func TestOpenGzip(t *testing.T) {
	raw := writePcap(t, false, []testPacket{
		{ts: time.Unix(10, 1000), data: []byte{0xAA}, length: 1},
	})
	dir := t.TempDir()

	plain := filepath.Join(dir, "capture.pcap")
	require.NoError(t, os.WriteFile(plain, raw, 0o644))

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	compressed := filepath.Join(dir, "capture.pcap.gz")
	require.NoError(t, os.WriteFile(compressed, gz.Bytes(), 0o644))

	var got [][]Frame
	for _, path := range []string{plain, compressed} {
		src, err := Open(path)
		require.NoError(t, err)
		got = append(got, readAll(t, src))
		require.NoError(t, src.Close())
	}
	assert.Equal(t, got[0], got[1])
	assert.Len(t, got[0], 1)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.pcap"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrSourceOpen))
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "", want: FormatAuto},
		{in: "auto", want: FormatAuto},
		{in: "PCAP", want: FormatPcap},
		{in: "pcapng", want: FormatPcapng},
		{in: "mcap", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.True(t, errors.Is(err, fault.ErrConfiguration))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestFormatResolve(t *testing.T) {
	assert.Equal(t, FormatPcapng, FormatAuto.Resolve("out.pcapng"))
	assert.Equal(t, FormatPcapng, FormatAuto.Resolve("OUT.PCAPNG"))
	assert.Equal(t, FormatPcap, FormatAuto.Resolve("out.pcap"))
	assert.Equal(t, FormatPcap, FormatAuto.Resolve("out"))
	assert.Equal(t, FormatPcap, FormatPcap.Resolve("out.pcapng"))
}

var outFrames = []OutFrame{
	{Seconds: 0, Micros: 0, DeclaredLength: 2, Data: []byte{0xFC, 0x00}, Kind: record.KindSynthetic},
	{Seconds: 0, Micros: 1000, DeclaredLength: 64, Data: []byte{1, 2, 3}, Kind: record.KindOriginal},
	{Seconds: 1, Micros: 5, DeclaredLength: 2, Data: []byte{0xFC, 0x01}, Kind: record.KindSynthetic},
}

func TestSinkPcap(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewSink(&buf, SinkOptions{
		Format:            FormatPcap,
		OriginalLinkType:  layers.LinkTypeEthernet,
		SyntheticLinkType: LinkTypeUser2,
	})
	require.NoError(t, err)
	for _, f := range outFrames {
		require.NoError(t, sink.WriteFrame(f))
	}
	require.NoError(t, sink.Close())
	assert.Equal(t, uint64(3), sink.Written())

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, LinkTypeUser2, r.LinkType())

	for _, want := range outFrames {
		data, ci, err := r.ReadPacketData()
		require.NoError(t, err)
		assert.Equal(t, want.Data, data)
		assert.Equal(t, int(want.DeclaredLength), ci.Length)
		assert.Equal(t, want.Seconds, ci.Timestamp.Unix())
		assert.Equal(t, want.Micros*1000, int64(ci.Timestamp.Nanosecond()))
	}
	_, _, err = r.ReadPacketData()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestSinkPcapngLinkTypePerKind(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewSink(&buf, SinkOptions{
		Format:            FormatPcapng,
		OriginalLinkType:  layers.LinkTypeEthernet,
		SyntheticLinkType: LinkTypeUser2,
	})
	require.NoError(t, err)
	assert.Equal(t, FormatPcapng, sink.Format())
	for _, f := range outFrames {
		require.NoError(t, sink.WriteFrame(f))
	}
	require.NoError(t, sink.Close())

	opts := pcapgo.DefaultNgReaderOptions
	opts.WantMixedLinkType = true
	r, err := pcapgo.NewNgReader(&buf, opts)
	require.NoError(t, err)

	for _, want := range outFrames {
		data, ci, err := r.ReadPacketData()
		require.NoError(t, err)
		assert.Equal(t, want.Data, data)
		assert.Equal(t, int(want.DeclaredLength), ci.Length)
		assert.Equal(t, want.Seconds*1_000_000+want.Micros, ci.Timestamp.UnixMicro())

		intf, err := r.Interface(ci.InterfaceIndex)
		require.NoError(t, err)
		if want.Kind == record.KindSynthetic {
			assert.Equal(t, LinkTypeUser2, intf.LinkType)
		} else {
			assert.Equal(t, layers.LinkTypeEthernet, intf.LinkType)
		}
	}
}

func TestSinkRoundTripThroughSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "merged.pcapng")

	sink, err := Create(path, SinkOptions{
		Format:            FormatAuto,
		OriginalLinkType:  layers.LinkTypeEthernet,
		SyntheticLinkType: LinkTypeUser2,
	})
	require.NoError(t, err)
	assert.Equal(t, FormatPcapng, sink.Format())
	for _, f := range outFrames {
		require.NoError(t, sink.WriteFrame(f))
	}
	require.NoError(t, sink.Close())

	src, err := Open(path)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, FormatPcapng, src.Format())

	frames := readAll(t, src)
	require.Len(t, frames, len(outFrames))
	for i, f := range frames {
		assert.Equal(t, outFrames[i].Seconds*1_000_000+outFrames[i].Micros, f.EpochUs())
	}
}

func TestCreateUnwritablePath(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "missing", "out.pcap"), SinkOptions{Format: FormatPcap})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrSinkOpen))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestSinkWriterFailure(t *testing.T) {
	large := OutFrame{Seconds: 1, DeclaredLength: 8192, Data: make([]byte, 8192), Kind: record.KindOriginal}
	small := outFrames[0]

	for _, format := range []Format{FormatPcap, FormatPcapng} {
		t.Run(string(format), func(t *testing.T) {
			opts := SinkOptions{Format: format, OriginalLinkType: layers.LinkTypeEthernet, SyntheticLinkType: LinkTypeUser2}

			sink, err := NewSink(failingWriter{}, opts)
			require.NoError(t, err)
			err = sink.WriteFrame(large)
			require.Error(t, err)
			assert.True(t, errors.Is(err, fault.ErrSinkWrite))
			assert.Zero(t, sink.Written())

			sink, err = NewSink(failingWriter{}, opts)
			require.NoError(t, err)
			require.NoError(t, sink.WriteFrame(small))
			err = sink.Close()
			require.Error(t, err)
			assert.True(t, errors.Is(err, fault.ErrSinkWrite))
		})
	}
}

func TestSinkRejectsUnrepresentableSeconds(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		seconds int64
		wantErr bool
	}{
		{name: "pcap before the epoch", format: FormatPcap, seconds: -2, wantErr: true},
		{name: "pcapng before the epoch", format: FormatPcapng, seconds: -1, wantErr: true},
		{name: "pcap past uint32", format: FormatPcap, seconds: math.MaxUint32 + 1, wantErr: true},
		{name: "pcap last uint32 second", format: FormatPcap, seconds: math.MaxUint32},
		{name: "pcapng past uint32", format: FormatPcapng, seconds: math.MaxUint32 + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			sink, err := NewSink(&buf, SinkOptions{Format: tt.format, SyntheticLinkType: LinkTypeUser2})
			require.NoError(t, err)

			err = sink.WriteFrame(OutFrame{Seconds: tt.seconds, DeclaredLength: 2, Data: []byte{0xFC, 0}, Kind: record.KindSynthetic})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, fault.ErrSinkWrite))
				assert.Zero(t, sink.Written())
			} else {
				require.NoError(t, err)
				assert.Equal(t, uint64(1), sink.Written())
			}
			require.NoError(t, sink.Close())
		})
	}
}
