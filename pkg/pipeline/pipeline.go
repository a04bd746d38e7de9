package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/gopacket/layers"

	"github.com/BIwashi/tcmerge/pkg/capture"
	"github.com/BIwashi/tcmerge/pkg/config"
	"github.com/BIwashi/tcmerge/pkg/fault"
	"github.com/BIwashi/tcmerge/pkg/mcap"
	"github.com/BIwashi/tcmerge/pkg/record"
	"github.com/BIwashi/tcmerge/pkg/timecode"
	"github.com/BIwashi/tcmerge/pkg/timeline"
	"github.com/BIwashi/tcmerge/pkg/timestamp"
)

const progressInterval = 10000

// Run reads the input capture and reports its timing statistics. When
// synthesis is enabled it also generates time-codes over the configured
// window, merges them with the captured frames and writes the result.
//
// Analysis-only runs stream the capture and keep O(1) state. Synthesis runs
// hold every original and generated record in memory until the merge is
// written.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HasWindow() && !cfg.SynthesisEnabled() {
		logger.Warn("Window given without an output capture; running analysis only")
	}

	logger.Info("Opening capture...", "input", cfg.Input)
	src, err := capture.Open(cfg.Input)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	report := &Report{
		Input:     cfg.Input,
		Format:    src.Format(),
		LinkType:  src.LinkType(),
		Precision: src.Precision(),
	}

	originals, err := read(ctx, src, &report.Stats, cfg.SynthesisEnabled(), logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Capture read", "frames", report.Stats.Count(), "packets", src.PacketCount())

	if !cfg.SynthesisEnabled() {
		return report, nil
	}

	syn, err := synthesize(cfg, src.LinkType(), originals, logger)
	if err != nil {
		return nil, err
	}
	report.Synthesis = syn
	return report, nil
}

// read drains src into stats. Original records are kept only when buffer is
// set.
func read(ctx context.Context, src *capture.Source, stats *timeline.Stats, buffer bool, logger *slog.Logger) ([]record.Record, error) {
	var originals []record.Record
	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "capture read cancelled")
		default:
		}

		frame, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return originals, nil
			}
			return nil, err
		}

		ts := frame.EpochUs()
		stats.Observe(ts)
		if buffer {
			originals = append(originals, record.NewOriginal(ts, frame.Data, frame.WireLength))
		}

		if stats.Count()%progressInterval == 0 {
			logger.Debug("Progress", "frames", stats.Count())
		}
	}
}

func synthesize(cfg config.Config, originalLinkType layers.LinkType, originals []record.Record, logger *slog.Logger) (*SynthesisReport, error) {
	tc := cfg.Timecode()
	logger.Info("Generating TimeCode packets...",
		"frequency_hz", tc.FrequencyHz,
		"period_us", tc.Period(),
		"start_us", *cfg.StartUs,
		"end_us", *cfg.EndUs,
	)
	synthetic, err := timecode.Generate(cfg.Window(), tc)
	if err != nil {
		return nil, err
	}

	merged := timeline.Merge(originals, synthetic)

	format, err := cfg.OutputFormat()
	if err != nil {
		return nil, err
	}
	syntheticLinkType := layers.LinkType(cfg.SyntheticLinkType)

	syn := &SynthesisReport{
		FrequencyHz: tc.FrequencyHz,
		PeriodUs:    tc.Period(),
		Synthetic:   len(synthetic),
		Total:       len(merged),
		Output:      cfg.Output,
		Format:      format.Resolve(cfg.Output),
		MCAPOutput:  cfg.MCAPOutput,
	}

	written, err := writeCapture(cfg.Output, capture.SinkOptions{
		Format:            format,
		OriginalLinkType:  originalLinkType,
		SyntheticLinkType: syntheticLinkType,
	}, merged)
	if err != nil {
		return nil, err
	}
	logger.Info("Output capture written", "output", cfg.Output, "format", syn.Format, "frames", written)

	if cfg.MCAPOutput != "" {
		info := map[record.Kind]mcap.ChannelInfo{
			record.KindOriginal:  {LinkType: uint32(originalLinkType), Source: cfg.Input},
			record.KindSynthetic: {LinkType: uint32(syntheticLinkType)},
		}
		messages, err := writeMCAP(cfg.MCAPOutput, info, merged)
		if err != nil {
			return nil, err
		}
		logger.Info("MCAP timeline written", "mcap_output", cfg.MCAPOutput, "messages", messages)
	}

	return syn, nil
}

// Handoff restates r for the capture sink.
func Handoff(r record.Record) capture.OutFrame {
	seconds, micros := timestamp.Split(r.TimestampUs)
	return capture.OutFrame{
		Seconds:        seconds,
		Micros:         micros,
		DeclaredLength: r.DeclaredLength(),
		Data:           r.Payload(),
		Kind:           r.Kind(),
	}
}

// writeCapture writes records to path and returns the number of frames
// written. A partially written file is removed on failure.
func writeCapture(path string, opts capture.SinkOptions, records []record.Record) (written uint64, err error) {
	sink, err := capture.Create(path, opts)
	if err != nil {
		return 0, err
	}
	defer func() {
		err = errors.CombineErrors(err, sink.Close())
		if err != nil {
			removePartial(path)
		}
	}()

	for _, r := range records {
		if err := sink.WriteFrame(Handoff(r)); err != nil {
			return sink.Written(), err
		}
	}
	return sink.Written(), nil
}

// writeMCAP writes records to path and returns the number of messages
// written. A partially written file is removed on failure.
func writeMCAP(path string, info map[record.Kind]mcap.ChannelInfo, records []record.Record) (written uint64, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fault.SinkOpen(err, "failed to create MCAP file")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = errors.CombineErrors(err, fault.SinkWrite(cerr, "failed to close MCAP file"))
		}
		if err != nil {
			removePartial(path)
		}
	}()

	w, err := mcap.NewWriter(f, info)
	if err != nil {
		return 0, fault.SinkOpen(err, "failed to create MCAP writer")
	}
	for _, r := range records {
		if err := w.WriteRecord(r); err != nil {
			return w.Written(), fault.SinkWrite(err, "failed to write MCAP message")
		}
	}
	if err := w.Close(); err != nil {
		return w.Written(), fault.SinkWrite(err, "failed to finalize MCAP file")
	}
	return w.Written(), nil
}

func removePartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove partial output", "path", path, "error", err)
	}
}
