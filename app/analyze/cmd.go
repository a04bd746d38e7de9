package analyze

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/BIwashi/tcmerge/pkg/cli"
	"github.com/BIwashi/tcmerge/pkg/config"
	"github.com/BIwashi/tcmerge/pkg/pipeline"
)

type analyzer struct {
	configFile        string
	pcapFile          string
	outputFile        string
	mcapFile          string
	format            string
	startUs           int64
	endUs             int64
	frequencyHz       int
	marker            uint8
	syntheticLinkType uint16

	cmd *cobra.Command
}

func NewCommand() *cobra.Command {
	defaults := config.Default()
	s := &analyzer{
		format:            defaults.Format,
		frequencyHz:       defaults.FrequencyHz,
		marker:            defaults.Marker,
		syntheticLinkType: defaults.SyntheticLinkType,
	}

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Report capture timing and optionally merge generated TimeCode frames.",
		Long: `Report the frame count, first/last frame time and duration of a pcap or pcapng capture.

When --start, --end and --file are all given, TimeCode frames (an ESC marker followed by a
6-bit counter) are generated every 1/freq seconds over [start, end], merged with the
captured frames in timestamp order and written to --file.`,
		Example: `  # Timing statistics only
  tcmerge analyze --pcap capture.pcapng

  # Merge 64 Hz TimeCode frames into a new capture
  tcmerge analyze --pcap capture.pcapng --start 1700000000000000 --end 1700000010000000 --file merged.pcapng`,
		Args: cobra.NoArgs,
		RunE: cli.WithContext(s.run),
	}

	cmd.Flags().StringVar(&s.configFile, "config", s.configFile, "YAML config file (flags override its values)")
	cmd.Flags().StringVar(&s.pcapFile, "pcap", s.pcapFile, "Input pcap/pcapng file (.gz accepted)")
	cmd.Flags().Int64Var(&s.startUs, "start", s.startUs, "TimeCode window start in epoch microseconds")
	cmd.Flags().Int64Var(&s.endUs, "end", s.endUs, "TimeCode window end in epoch microseconds")
	cmd.Flags().StringVar(&s.outputFile, "file", s.outputFile, "Output capture file")
	cmd.Flags().IntVar(&s.frequencyHz, "freq", s.frequencyHz, "TimeCode frequency in Hz")
	cmd.Flags().StringVar(&s.format, "format", s.format, "Output format (auto, pcap, pcapng)")
	cmd.Flags().StringVar(&s.mcapFile, "mcap-file", s.mcapFile, "Also write the merged timeline to this MCAP file")
	cmd.Flags().Uint8Var(&s.marker, "marker", s.marker, "TimeCode marker byte")
	cmd.Flags().Uint16Var(&s.syntheticLinkType, "link-type", s.syntheticLinkType, "Link type for TimeCode frames")

	s.cmd = cmd
	return cmd
}

// resolveConfig layers explicitly set flags over the config file (or defaults).
func (s *analyzer) resolveConfig() (config.Config, error) {
	cfg := config.Default()
	if s.configFile != "" {
		loaded, err := config.Load(s.configFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flags := s.cmd.Flags()
	if flags.Changed("pcap") {
		cfg.Input = s.pcapFile
	}
	if flags.Changed("start") {
		cfg.StartUs = &s.startUs
	}
	if flags.Changed("end") {
		cfg.EndUs = &s.endUs
	}
	if flags.Changed("file") {
		cfg.Output = s.outputFile
	}
	if flags.Changed("freq") {
		cfg.FrequencyHz = s.frequencyHz
	}
	if flags.Changed("format") {
		cfg.Format = s.format
	}
	if flags.Changed("mcap-file") {
		cfg.MCAPOutput = s.mcapFile
	}
	if flags.Changed("marker") {
		cfg.Marker = s.marker
	}
	if flags.Changed("link-type") {
		cfg.SyntheticLinkType = s.syntheticLinkType
	}
	return cfg, nil
}

func (s *analyzer) run(ctx context.Context, input cli.Input) error {
	cfg, err := s.resolveConfig()
	if err != nil {
		return err
	}

	input.Logger.Info("Starting capture analysis",
		"pcap_file", cfg.Input,
		"output_file", cfg.Output,
		"mcap_file", cfg.MCAPOutput,
		"synthesis", cfg.SynthesisEnabled(),
	)

	report, err := pipeline.Run(ctx, cfg, input.Logger)
	if err != nil {
		return errors.Wrap(err, "analyze")
	}

	if err := report.Print(input.Stdout); err != nil {
		return errors.Wrap(err, "failed to print report")
	}
	return nil
}
