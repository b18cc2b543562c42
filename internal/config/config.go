package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v2"
)

// Exporter names accepted by --exporter.
const (
	ExporterOTLP = "otlp"
	ExporterNone = "none"
)

// ErrHelp is returned when --help or --version was requested and printed.
var ErrHelp = errors.New("help requested")

// CustomAttribute is a span attribute computed from an expression over each
// processor event.
type CustomAttribute struct {
	Name       string
	Expression string
}

// Config holds the parsed command-line configuration
type Config struct {
	// Input is the notification source, "-" for stdin.
	Input string
	// Workers is the number of event partitions processed in parallel.
	Workers int
	// LogLevel is a zap level name.
	LogLevel string
	// Development selects the human-readable console logger.
	Development bool
	// Exporter is ExporterOTLP or ExporterNone.
	Exporter string
	// CustomAttributes are evaluated for every processor span.
	CustomAttributes []CustomAttribute
}

// ParseArgs parses command-line arguments and returns a Config.
// Expected format: program_name [--input <file>] [-w N] [-a NAME=EXPR]...
func ParseArgs(args []string, version string, out io.Writer) (*Config, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}

	var cfg *Config
	app := &cli.App{
		Name:                      "flow-tracer",
		Usage:                     "turn flow execution notifications into OpenTelemetry traces",
		Version:                   version,
		HideHelpCommand:           true,
		DisableSliceFlagSeparator: true,
		Writer:                    out,
		ErrWriter:                 out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Value:   "-",
				Usage:   "notification file, - for stdin",
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Value:   4,
				Usage:   "number of parallel event partitions",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"FLOW_TRACER_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "human-readable development logging",
			},
			&cli.StringSliceFlag{
				Name:    "attribute",
				Aliases: []string{"a"},
				Usage:   "custom span attribute as NAME=EXPR, repeatable",
			},
			&cli.StringFlag{
				Name:  "exporter",
				Value: ExporterOTLP,
				Usage: "span exporter: otlp or none",
			},
		},
		Action: func(c *cli.Context) error {
			parsed, err := fromContext(c)
			if err != nil {
				return err
			}
			cfg = parsed
			return nil
		},
	}

	if err := app.Run(args); err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrHelp
	}
	return cfg, nil
}

func fromContext(c *cli.Context) (*Config, error) {
	if c.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(c.Args().Slice(), " "))
	}

	workers := c.Int("workers")
	if workers < 1 {
		return nil, fmt.Errorf("--workers must be at least 1, got %d", workers)
	}

	exporter := c.String("exporter")
	if exporter != ExporterOTLP && exporter != ExporterNone {
		return nil, fmt.Errorf("unknown exporter %q (expected %s or %s)", exporter, ExporterOTLP, ExporterNone)
	}

	attrs, err := parseCustomAttributes(c.StringSlice("attribute"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Input:            c.String("input"),
		Workers:          workers,
		LogLevel:         c.String("log-level"),
		Development:      c.Bool("dev"),
		Exporter:         exporter,
		CustomAttributes: attrs,
	}, nil
}

// parseCustomAttributes splits NAME=EXPR pairs on the first '='.
func parseCustomAttributes(raw []string) ([]CustomAttribute, error) {
	var attrs []CustomAttribute
	for _, value := range raw {
		name, expression, ok := strings.Cut(value, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute format %q (expected NAME=EXPR)", value)
		}
		name = strings.TrimSpace(name)
		expression = strings.TrimSpace(expression)
		if name == "" {
			return nil, fmt.Errorf("invalid attribute %q: name cannot be empty", value)
		}
		if expression == "" {
			return nil, fmt.Errorf("invalid attribute %q: expression cannot be empty", value)
		}
		attrs = append(attrs, CustomAttribute{Name: name, Expression: expression})
	}
	return attrs, nil
}
