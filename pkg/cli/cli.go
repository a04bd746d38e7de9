package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// Input is handed to every command run function.
type Input struct {
	Logger *slog.Logger
	Stdout io.Writer
}

// CLI is the root command with the shared logging flags.
type CLI struct {
	root      *cobra.Command
	logLevel  string
	logFormat string
}

func NewCLI(name, short string) *CLI {
	c := &CLI{
		logLevel:  "info",
		logFormat: "text",
	}
	c.root = &cobra.Command{
		Use:           name,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.root.PersistentFlags().StringVar(&c.logLevel, "log-level", c.logLevel, "Log level (debug, info, warn, error)")
	c.root.PersistentFlags().StringVar(&c.logFormat, "log-format", c.logFormat, "Log format (text, json)")
	return c
}

func (c *CLI) AddCommands(cmds ...*cobra.Command) {
	c.root.AddCommand(cmds...)
}

// Root exposes the root command, mainly for tests.
func (c *CLI) Root() *cobra.Command {
	return c.root
}

// Run executes the selected command. SIGINT and SIGTERM cancel its context.
func (c *CLI) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.root.ExecuteContext(ctx)
}

// WithContext adapts a run function to cobra's RunE, building the logger from
// the root's persistent flags.
func WithContext(fn func(ctx context.Context, input Input) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger(cmd)
		if err != nil {
			return err
		}
		return fn(cmd.Context(), Input{
			Logger: logger,
			Stdout: cmd.OutOrStdout(),
		})
	}
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	level, format := "info", "text"
	if f := cmd.Flags().Lookup("log-level"); f != nil {
		level = f.Value.String()
	}
	if f := cmd.Flags().Lookup("log-format"); f != nil {
		format = f.Value.String()
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	out := cmd.ErrOrStderr()
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(out, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	default:
		return nil, errors.Newf("invalid log format %q", format)
	}
}
