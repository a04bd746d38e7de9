package pipeline

import (
	"bufio"
	"fmt"
	"io"

	"github.com/google/gopacket/layers"

	"github.com/BIwashi/tcmerge/pkg/capture"
	"github.com/BIwashi/tcmerge/pkg/timeline"
	"github.com/BIwashi/tcmerge/pkg/timestamp"
)

// Report summarizes one run.
type Report struct {
	Input     string
	Format    capture.Format
	LinkType  layers.LinkType
	Precision timestamp.Precision
	Stats     timeline.Stats

	// Synthesis is nil for analysis-only runs.
	Synthesis *SynthesisReport
}

// SynthesisReport describes the time-code generation and merged output.
type SynthesisReport struct {
	FrequencyHz int
	PeriodUs    int64
	Synthetic   int
	Total       int
	Output      string
	Format      capture.Format
	MCAPOutput  string
}

// Print writes the console report.
func (r *Report) Print(out io.Writer) error {
	w := bufio.NewWriter(out)

	fmt.Fprintf(w, "File: %s\n", r.Input)
	fmt.Fprintf(w, "Format: %s (%s timestamps)\n", r.Format, r.Precision)
	fmt.Fprintf(w, "Link type: %s (%d)\n", r.LinkType, uint32(r.LinkType))
	fmt.Fprintf(w, "Frame count: %d\n", r.Stats.Count())

	if r.Stats.Empty() {
		fmt.Fprintln(w, "First frame time: N/A")
		fmt.Fprintln(w, "Last frame time: N/A")
		fmt.Fprintln(w, "Duration: N/A")
	} else {
		first, _ := r.Stats.First()
		last, _ := r.Stats.Last()
		printTime(w, "First frame time", first)
		printTime(w, "Last frame time", last)
		fmt.Fprintf(w, "Duration: %.6f s\n", float64(r.Stats.DurationUs())/1e6)
	}

	if s := r.Synthesis; s != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "TimeCode frequency: %d Hz (period: %d us)\n", s.FrequencyHz, s.PeriodUs)
		fmt.Fprintf(w, "TimeCode packets: %d\n", s.Synthetic)
		fmt.Fprintf(w, "Total packets (original + TimeCode): %d\n", s.Total)
		fmt.Fprintf(w, "Output %s file created: %s\n", s.Format, s.Output)
		if s.MCAPOutput != "" {
			fmt.Fprintf(w, "Output MCAP file created: %s\n", s.MCAPOutput)
		}
	}

	return w.Flush()
}

func printTime(w io.Writer, label string, epochUs int64) {
	fmt.Fprintf(w, "%s:\n", label)
	fmt.Fprintf(w, "  JST: %s\n", timestamp.FormatFixedOffset(epochUs))
	fmt.Fprintf(w, "  epoch_us: %d\n", epochUs)
}
