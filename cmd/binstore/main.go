// Command binstore inspects and maintains the blob stores of a binstore
// configuration.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/hupe1980/binstore"
	"github.com/hupe1980/binstore/codec"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

type app struct {
	configPath string
	dataDir    string
	storeName  string
	logLevel   string
	json       bool
	codecName  string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// Run executes the command line args.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "binstore",
		Short:         "Inspect and maintain blob stores",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Define run func in order to enable cobra's default help functionality
		Run: func(cmd *cobra.Command, args []string) {},
	}
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file (default: a single local store)")
	flags.StringVar(&a.dataDir, "data-dir", "", "Override the data directory of the configuration")
	flags.StringVarP(&a.storeName, "store", "s", "", "Store to operate on (default: the first configured store)")
	flags.StringVar(&a.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	flags.BoolVar(&a.json, "json", false, "Print results as JSON")
	flags.StringVar(&a.codecName, "codec", "go-json", "JSON codec: go-json or json")

	cmd.AddCommand(
		a.putCommand(),
		a.getCommand(),
		a.rmCommand(),
		a.existsCommand(),
		a.statCommand(),
		a.gcCommand(),
		a.cacheCommand(),
	)

	setFlagsFromEnvVariables(flags)

	return cmd.ExecuteContext(ctx)
}

func (a *app) logger() (*binstore.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", a.logLevel)
	}
	out, color := a.stderr, false
	if f, ok := a.stderr.(*os.File); ok {
		out, color = colorable.NewColorable(f), isatty.IsTerminal(f.Fd())
	}
	return binstore.NewLogger(tint.NewHandler(out, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !color,
	})), nil
}

func (a *app) config() (binstore.Config, error) {
	cfg := binstore.DefaultConfig()
	if a.configPath != "" {
		var err error
		if cfg, err = binstore.LoadConfig(a.configPath); err != nil {
			return binstore.Config{}, err
		}
	}
	return cfg.Merge(binstore.Config{DataDir: a.dataDir}), nil
}

func (a *app) open(ctx context.Context) (*binstore.Manager, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	logger, err := a.logger()
	if err != nil {
		return nil, err
	}
	return binstore.Open(ctx, cfg, binstore.WithLogger(logger))
}

// store returns the selected store name.
func (a *app) store(m *binstore.Manager) string {
	if a.storeName != "" {
		return a.storeName
	}
	return m.Names()[0]
}

// print writes v as JSON with --json, otherwise text.
func (a *app) print(v any, text string) error {
	if !a.json {
		_, err := fmt.Fprintln(a.stdout, text)
		return err
	}
	c, err := codec.ByName(a.codecName)
	if err != nil {
		return err
	}
	return codec.Encode(a.stdout, c, v)
}
