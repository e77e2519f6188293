// Package cli provides the command-line interface for signing and validating
// ASiC-E and BDOC containers.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/georgepadayatti/goasic/config"
	"github.com/spf13/cobra"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// errInvalid is returned by commands whose result is negative, such as a
// container that does not validate. The message has already been printed.
var errInvalid = errors.New("validation failed")

// globalOptions are shared by every command.
type globalOptions struct {
	configFile string
	mode       string
	ocspURL    string
	tsaURL     string
	logLevel   string
	logFormat  string
}

// loadConfig reads the configuration file, or builds one for the selected
// mode, and applies the flag overrides.
func (g *globalOptions) loadConfig() (*config.Configuration, error) {
	var cfg *config.Configuration
	if g.configFile != "" {
		c, err := config.LoadConfig(g.configFile)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = &config.Configuration{Mode: config.Mode(strings.ToUpper(g.mode))}
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if g.ocspURL != "" {
		cfg.OCSPSource = g.ocspURL
	}
	if g.tsaURL != "" {
		cfg.TSPSource = g.tsaURL
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	return cfg, nil
}

// setup loads the configuration and its logger. The returned function
// releases the log output.
func (g *globalOptions) setup() (*config.Configuration, *slog.Logger, func() error, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}

// NewRootCommand builds the goasic command tree.
func NewRootCommand() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "goasic",
		Short: "Sign and validate ASiC-E and BDOC containers",
		Long: `goasic creates XAdES signatures in ASiC-E and BDOC containers, extends
them to long-term profiles and validates them against trusted lists and
OCSP responders.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&g.configFile, "config", "", "YAML configuration file")
	flags.StringVar(&g.mode, "mode", string(config.ModeProd), "Configuration mode when no file is given: PROD or TEST")
	flags.StringVar(&g.ocspURL, "ocsp-url", "", "Override the OCSP responder URL")
	flags.StringVar(&g.tsaURL, "tsa-url", "", "Override the Time-Stamp Authority URL")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&g.logFormat, "log-format", "", "Log format: text, json")

	root.AddCommand(
		newSignCommand(g),
		newVerifyCommand(g),
		newExtendCommand(g),
		newTSLCommand(g),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI with args (without the program name) and returns the
// process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errInvalid) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// Run executes the CLI with the given arguments.
// This is the main entry point for the CLI.
func Run(args []string) {
	if code := Execute(args[1:], os.Stdout, os.Stderr); code != 0 {
		osExit(code)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "goasic version %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build time: %s\n", BuildTime)
		},
	}
}
