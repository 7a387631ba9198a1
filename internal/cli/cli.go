package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"hpsweep/internal/config"
)

// ExitError is an error that carries a process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) *ExitError {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

const (
	ModeSweep = "sweep"
	ModeServe = "serve"
)

// DefaultResultsDir is used when neither RESULTS_DIR nor --results-dir is given.
const DefaultResultsDir = "results"

// Options is the parsed command line.
type Options struct {
	Mode string

	ConfigRoot string
	ResultsDir string
	MaxTrials  int
	Group      string
	Append     string
	Settings   string

	Storage   string
	Metric    string
	Direction string
	Seed      int64
	Port      int

	LogFormat string
	LogLevel  string

	// set records which flags were given explicitly.
	set map[string]bool
}

// Apply overrides the settings file with explicitly given flags.
func (o *Options) Apply(cfg *config.Config) {
	if o.Storage != "" {
		cfg.Storage = o.Storage
	}
	if o.Metric != "" {
		cfg.Objective.Metric = o.Metric
	}
	if o.Direction != "" {
		cfg.Objective.Direction = o.Direction
	}
	if o.set["seed"] {
		cfg.Sampler.Seed = o.Seed
	}
	if o.set["port"] {
		cfg.Server.Port = o.Port
	}
}

// Parse processes command-line arguments. It returns the Options, a boolean
// indicating the program should exit cleanly (help was printed), or an
// ExitError.
func Parse(args []string, output io.Writer) (*Options, bool, error) {
	slog.Debug("CLI parser started.")
	if len(args) > 0 && args[0] == ModeServe {
		return parseServe(args[1:], output)
	}
	return parseSweep(args, output)
}

func parseSweep(args []string, output io.Writer) (*Options, bool, error) {
	o := &Options{Mode: ModeSweep}
	flagSet := flag.NewFlagSet("hpsweep", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, `
hpsweep - a hyperparameter sweep worker sharing one study database with its peers.

Usage:
  hpsweep [options] CONFIG_ROOT [RESULTS_DIR]
  hpsweep serve [options]

Arguments:
  CONFIG_ROOT
    Directory with base.yaml, tune.yaml and an optional sweep.yaml.
  RESULTS_DIR
    Where studies and their database live (default "results").

Options:
`)
		flagSet.PrintDefaults()
	}

	flagSet.IntVar(&o.MaxTrials, "max-trials", 0, "Stop once the study holds this many trials (all workers). Required.")
	flagSet.IntVar(&o.MaxTrials, "max_trials", 0, "Alias of --max-trials.")
	flagSet.StringVar(&o.ResultsDir, "results-dir", DefaultResultsDir, "Results directory.")
	flagSet.StringVar(&o.Group, "group", "", "Share <results-dir>/<group>/sweep.db with other configurations.")
	flagSet.StringVar(&o.Append, "append", "", "Join an existing study by name instead of starting a dated one.")
	flagSet.StringVar(&o.Settings, "settings", "", "Sweep settings file (default CONFIG_ROOT/sweep.yaml when present).")
	flagSet.StringVar(&o.Storage, "storage", "", "Storage URL: sqlite:///path, mysql://..., postgres://...")
	flagSet.StringVar(&o.Metric, "metric", "", "Metric to optimize.")
	flagSet.StringVar(&o.Direction, "direction", "", "Optimization direction: 'maximize' or 'minimize'.")
	flagSet.Int64Var(&o.Seed, "seed", 0, "Sampler seed.")
	addLogFlags(flagSet, o)

	positional, help, err := parseInterleaved(flagSet, args)
	if help || err != nil {
		return nil, help, err
	}
	o.set = setFlags(flagSet)

	if len(positional) == 0 {
		flagSet.Usage()
		return nil, true, nil
	}
	if len(positional) > 2 {
		return nil, false, usageError("too many arguments: %s", strings.Join(positional[2:], " "))
	}
	o.ConfigRoot = positional[0]
	if len(positional) == 2 {
		o.ResultsDir = positional[1]
	}

	if o.MaxTrials <= 0 {
		return nil, false, usageError("--max-trials must be a positive number")
	}
	switch o.Direction {
	case "", "maximize", "minimize":
	default:
		return nil, false, usageError("invalid direction: must be 'maximize' or 'minimize'")
	}
	if err := validateLogFlags(o); err != nil {
		return nil, false, err
	}

	slog.Debug("CLI parser finished successfully.", "options", o)
	return o, false, nil
}

func parseServe(args []string, output io.Writer) (*Options, bool, error) {
	o := &Options{Mode: ModeServe}
	flagSet := flag.NewFlagSet("hpsweep serve", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, `
hpsweep serve - read-only JSON API over a study database.

Usage:
  hpsweep serve --storage URL [options]

Options:
`)
		flagSet.PrintDefaults()
	}

	flagSet.StringVar(&o.Storage, "storage", "", "Storage URL: sqlite:///path, mysql://..., postgres://... Required.")
	flagSet.StringVar(&o.Settings, "settings", "", "Optional settings file.")
	flagSet.IntVar(&o.Port, "port", 8080, "HTTP port.")
	addLogFlags(flagSet, o)

	positional, help, err := parseInterleaved(flagSet, args)
	if help || err != nil {
		return nil, help, err
	}
	o.set = setFlags(flagSet)

	if len(positional) > 0 {
		return nil, false, usageError("serve takes no arguments, got: %s", strings.Join(positional, " "))
	}
	if o.Storage == "" {
		return nil, false, usageError("--storage is required")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return nil, false, usageError("invalid port: %d", o.Port)
	}
	if err := validateLogFlags(o); err != nil {
		return nil, false, err
	}
	return o, false, nil
}

func addLogFlags(flagSet *flag.FlagSet, o *Options) {
	flagSet.StringVar(&o.LogFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	flagSet.StringVar(&o.LogLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
}

func validateLogFlags(o *Options) error {
	o.LogFormat = strings.ToLower(o.LogFormat)
	if o.LogFormat != "text" && o.LogFormat != "json" {
		return usageError("invalid log-format: must be 'text' or 'json'")
	}
	o.LogLevel = strings.ToLower(o.LogLevel)
	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return usageError("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}
	return nil
}

// parseInterleaved lets flags appear after positional arguments, so that
// "hpsweep configs/cifar --max-trials 50" works.
func parseInterleaved(flagSet *flag.FlagSet, args []string) ([]string, bool, error) {
	var positional []string
	for {
		if err := flagSet.Parse(args); err != nil {
			if err == flag.ErrHelp {
				return nil, true, nil
			}
			return nil, false, &ExitError{Code: 2, Message: err.Error()}
		}
		rest := flagSet.Args()
		if consumed := len(args) - len(rest); consumed > 0 && args[consumed-1] == "--" {
			return append(positional, rest...), false, nil
		}
		args = rest
		if len(args) == 0 {
			return positional, false, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func setFlags(flagSet *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}
