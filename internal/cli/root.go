// Package cli implements the auditscope command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// RootOptions holds global flags for all commands.
//
// Every flag can also be set through the environment with the AUDITSCOPE_
// prefix, e.g. AUDITSCOPE_BACKEND=postgres or AUDITSCOPE_NATS_URL.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Backend  string // "sqlite" | "postgres" | "nats" | "memory"
	Database string
	DSN      string
	NATSURL  string
	Bucket   string

	Logger *slog.Logger
}

var (
	// ValidFormats defines the allowed output formats.
	ValidFormats = []string{"text", "json"}
	// ValidBackends defines the allowed storage backends.
	ValidBackends = []string{"sqlite", "postgres", "nats", "memory"}
)

// NewRootCommand creates the root command for the auditscope CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "auditscope",
		Short: "Scoped audit events for guarded operations",
		Long: `auditscope records audit events around guarded operations and
unit-of-work saves, and stores them in SQLite, PostgreSQL or NATS KeyValue.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.load(v)
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if !slices.Contains(ValidBackends, opts.Backend) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid backend %q: must be one of %v", opts.Backend, ValidBackends))
			}
			opts.Logger = newLogger(cmd.ErrOrStderr(), opts.Verbose, opts.Format == "json")
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.String("format", "text", "output format (json|text)")
	flags.String("backend", "sqlite", "storage backend (sqlite|postgres|nats|memory)")
	flags.String("db", "auditscope.db", "path to SQLite database")
	flags.String("dsn", "", "PostgreSQL connection string")
	flags.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	flags.String("bucket", "audit_events", "NATS KeyValue bucket")

	v.SetEnvPrefix("auditscope")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)

	cmd.AddCommand(NewDemoCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))

	return cmd
}

// load copies flag and environment values into o.
func (o *RootOptions) load(v *viper.Viper) {
	o.Verbose = v.GetBool("verbose")
	o.Format = v.GetString("format")
	o.Backend = v.GetString("backend")
	o.Database = v.GetString("db")
	o.DSN = v.GetString("dsn")
	o.NATSURL = v.GetString("nats-url")
	o.Bucket = v.GetString("bucket")
}

func newLogger(w io.Writer, verbose, jsonOutput bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !isTerminal(w),
	}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
