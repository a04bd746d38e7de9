package mcap

import (
	"fmt"
	"io"
	"sync"

	"github.com/foxglove/mcap/go/mcap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/BIwashi/tcmerge/pkg/record"
)

const (
	schemaName = "google.protobuf.BytesValue"

	TopicOriginal  = "/capture/original"
	TopicSynthetic = "/capture/timecode"
)

// ChannelInfo is attached to a channel as metadata.
type ChannelInfo struct {
	LinkType uint32
	Source   string
}

// Writer writes timeline records into an MCAP file.
//
//   - Single protobuf schema (google.protobuf.BytesValue) carrying the raw payload.
//   - One channel per record kind: /capture/original and /capture/timecode.
//   - LogTime and PublishTime are the record timestamp in nanoseconds.
//
// Channels are created lazily on the first record of each kind.
type Writer struct {
	mu         sync.Mutex
	writer     *mcap.Writer
	schemaID   uint16
	nextChanID uint16
	channels   map[record.Kind]uint16
	sequences  map[uint16]uint32
	info       map[record.Kind]ChannelInfo
	written    uint64
}

// NewWriter initializes an MCAP writer with the BytesValue schema registered.
// The provided io.Writer should be an opened file (will not be closed here).
func NewWriter(out io.Writer, info map[record.Kind]ChannelInfo) (*Writer, error) {
	w, err := mcap.NewWriter(out, &mcap.WriterOptions{
		Chunked:     true,
		ChunkSize:   2 * 1024 * 1024, // 2MB chunks
		Compression: mcap.CompressionZSTD,
	})
	if err != nil {
		return nil, fmt.Errorf("create MCAP writer: %w", err)
	}

	if err := w.WriteHeader(&mcap.Header{
		Profile: "",
		Library: "tcmerge",
	}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	fds := &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{
			protodesc.ToFileDescriptorProto(wrapperspb.File_google_protobuf_wrappers_proto),
		},
	}
	data, err := proto.Marshal(fds)
	if err != nil {
		return nil, fmt.Errorf("marshal schema descriptor: %w", err)
	}

	schemaID := uint16(1)
	if err := w.WriteSchema(&mcap.Schema{
		ID:       schemaID,
		Name:     schemaName,
		Encoding: "protobuf",
		Data:     data,
	}); err != nil {
		return nil, fmt.Errorf("write schema: %w", err)
	}

	if info == nil {
		info = make(map[record.Kind]ChannelInfo)
	}
	return &Writer{
		writer:     w,
		schemaID:   schemaID,
		nextChanID: 0,
		channels:   make(map[record.Kind]uint16),
		sequences:  make(map[uint16]uint32),
		info:       info,
	}, nil
}

func topic(kind record.Kind) string {
	if kind == record.KindSynthetic {
		return TopicSynthetic
	}
	return TopicOriginal
}

// ensureChannel returns the channel for kind, writing it on first use.
func (w *Writer) ensureChannel(kind record.Kind) (uint16, error) {
	if id, ok := w.channels[kind]; ok {
		return id, nil
	}

	w.nextChanID++
	chID := w.nextChanID

	info := w.info[kind]
	metadata := map[string]string{
		"kind":      kind.String(),
		"link_type": fmt.Sprintf("%d", info.LinkType),
	}
	if info.Source != "" {
		metadata["source"] = info.Source
	}

	t := topic(kind)
	if err := w.writer.WriteChannel(&mcap.Channel{
		ID:              chID,
		SchemaID:        w.schemaID,
		Topic:           t,
		MessageEncoding: "protobuf",
		Metadata:        metadata,
	}); err != nil {
		return 0, fmt.Errorf("write channel (topic=%s): %w", t, err)
	}

	w.channels[kind] = chID
	return chID, nil
}

// WriteRecord writes r as a BytesValue message on its kind's channel.
func (w *Writer) WriteRecord(r record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if r.TimestampUs < 0 {
		return fmt.Errorf("timestamp %d us is before the epoch", r.TimestampUs)
	}
	channelID, err := w.ensureChannel(r.Kind())
	if err != nil {
		return err
	}
	data, err := proto.Marshal(wrapperspb.Bytes(r.Payload()))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ts := uint64(r.TimestampUs * 1000)
	seq := w.sequences[channelID]
	w.sequences[channelID] = seq + 1
	if err := w.writer.WriteMessage(&mcap.Message{
		ChannelID:   channelID,
		Sequence:    seq,
		LogTime:     ts,
		PublishTime: ts,
		Data:        data,
	}); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	w.written++
	return nil
}

// Written returns the number of messages written.
func (w *Writer) Written() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close finalizes the MCAP file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.Close()
}
