package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/BIwashi/tcmerge/pkg/capture"
	"github.com/BIwashi/tcmerge/pkg/fault"
	"github.com/BIwashi/tcmerge/pkg/timecode"
)

// Config is the full set of options for one run. Values can come from a YAML
// file; command-line flags always override file values.
type Config struct {
	Input             string `yaml:"input"`
	StartUs           *int64 `yaml:"start_us"`
	EndUs             *int64 `yaml:"end_us"`
	Output            string `yaml:"output"`
	Format            string `yaml:"format"`
	MCAPOutput        string `yaml:"mcap_output"`
	FrequencyHz       int    `yaml:"frequency_hz"`
	Marker            uint8  `yaml:"marker"`
	SyntheticLinkType uint16 `yaml:"synthetic_link_type"`
}

// Default returns the built-in defaults: 64 Hz, ESC marker, LINKTYPE_USER2.
func Default() Config {
	return Config{
		Format:            string(capture.FormatAuto),
		FrequencyHz:       timecode.DefaultFrequencyHz,
		Marker:            timecode.DefaultMarker,
		SyntheticLinkType: uint16(capture.LinkTypeUser2),
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, errors.Mark(errors.Newf("config file not found: %s", path), fault.ErrConfiguration)
		}
		return Config{}, errors.Mark(errors.Wrapf(err, "cannot read config file %q", path), fault.ErrConfiguration)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Mark(errors.Wrapf(err, "invalid YAML in %s", path), fault.ErrConfiguration)
	}
	return cfg, nil
}

// HasWindow reports whether both window bounds are set.
func (c Config) HasWindow() bool {
	return c.StartUs != nil && c.EndUs != nil
}

// Window returns the synthesis window. Only meaningful when HasWindow is true.
func (c Config) Window() timecode.Window {
	if !c.HasWindow() {
		return timecode.Window{}
	}
	return timecode.Window{StartUs: *c.StartUs, EndUs: *c.EndUs}
}

// Timecode returns the generator configuration.
func (c Config) Timecode() timecode.Config {
	return timecode.Config{FrequencyHz: c.FrequencyHz, Marker: c.Marker}
}

// SynthesisEnabled reports whether time-codes are generated and merged. It
// needs both a window and an output destination.
func (c Config) SynthesisEnabled() bool {
	return c.HasWindow() && c.Output != ""
}

// OutputFormat parses Format.
func (c Config) OutputFormat() (capture.Format, error) {
	return capture.ParseFormat(c.Format)
}

// Validate checks everything that can be checked without touching files.
func (c Config) Validate() error {
	if c.Input == "" {
		return fault.Configuration("input capture is required")
	}
	if (c.StartUs == nil) != (c.EndUs == nil) {
		return fault.Configuration("start and end must be given together")
	}
	if err := c.Timecode().Validate(); err != nil {
		return err
	}
	if c.HasWindow() {
		if *c.StartUs < 0 || *c.EndUs < 0 {
			return fault.Configuration("window bounds must not be before the epoch (start %d, end %d)", *c.StartUs, *c.EndUs)
		}
		w, err := timecode.NewWindow(*c.StartUs, *c.EndUs)
		if err != nil {
			return err
		}
		if c.SynthesisEnabled() {
			if _, err := timecode.Count(w, c.Timecode()); err != nil {
				return err
			}
		}
	}
	if _, err := c.OutputFormat(); err != nil {
		return err
	}
	if c.MCAPOutput != "" && !c.SynthesisEnabled() {
		return fault.Configuration("MCAP output requires a window and an output capture")
	}
	return nil
}
