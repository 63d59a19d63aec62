// Package cli wires the skelpipe command surface: run, clean, list, graph,
// status and watch over one shared flag set.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/graph"
	"github.com/DerekHarter/kinect-skeleton-tracking/internal/rule"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitBuildFailure = 1
	ExitUsage        = 2
	ExitConfig       = 3
	ExitInternal     = 4
)

// exitError pins a specific exit code to an error as it crosses command
// boundaries.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error    { return &exitError{code: ExitUsage, err: err} }
func configErr(err error) error   { return &exitError{code: ExitConfig, err: err} }
func internalErr(err error) error { return &exitError{code: ExitInternal, err: err} }

// App holds flag state and output streams shared by every subcommand.
type App struct {
	File      string
	Dir       string
	Jobs      int
	KeepGoing bool
	Hash      bool
	DryRun    bool
	Verbose   bool

	Stdout io.Writer
	Stderr io.Writer

	logger *zap.Logger
}

func New() *App {
	return &App{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Main parses args, runs the selected command and returns the process exit
// code.
func Main(args []string) int {
	a := New()
	root := a.Root()
	root.SetArgs(args)
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(a.Stderr, "skelpipe: %v\n", err)
		return exitCodeFor(err)
	}
	return ExitOK
}

func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, graph.ErrUnknownTarget):
		return ExitUsage
	case errors.Is(err, graph.ErrCycle),
		errors.Is(err, graph.ErrAmbiguousRule),
		errors.Is(err, graph.ErrInvalidGraph):
		return ExitConfig
	}
	// Everything else reaching here came from argument parsing.
	return ExitUsage
}

// Root assembles the skelpipe command tree.
func (a *App) Root() *cobra.Command {
	root := &cobra.Command{
		Use:   "skelpipe",
		Short: "incremental driver for the skeleton-tracking analysis pipeline",
		Long: "skelpipe rebuilds the motion-tracking experiment's derived data\n" +
			"(per-trial joint displacements, summaries, figures, tables) from raw\n" +
			"kinect captures, running only the recipes whose outputs are stale.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			logger, err := newLogger(a.Verbose)
			if err != nil {
				return internalErr(fmt.Errorf("init logging: %w", err))
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.File, "file", "f", "pipeline.yaml", "pipeline declaration file")
	pf.StringVarP(&a.Dir, "directory", "C", ".", "working directory recipes run in")
	pf.BoolVarP(&a.Verbose, "verbose", "v", false, "debug logging")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErr(err)
	})

	root.AddCommand(
		a.runCmd(),
		a.cleanCmd(),
		a.listCmd(),
		a.graphCmd(),
		a.statusCmd(),
		a.watchCmd(),
	)
	return root
}

// buildFlags attaches the flags shared by run and watch.
func (a *App) buildFlags(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.IntVarP(&a.Jobs, "jobs", "j", 1, "max concurrent recipes")
	fl.BoolVarP(&a.KeepGoing, "keep-going", "k", false, "continue independent branches after a failure")
	fl.BoolVar(&a.Hash, "hash", false, "judge staleness by input content hashes instead of timestamps")
	fl.BoolVarP(&a.DryRun, "dry-run", "n", false, "report what would run without executing recipes")
}

func (a *App) workDir() (string, error) {
	abs, err := filepath.Abs(a.Dir)
	if err != nil {
		return "", usageErr(fmt.Errorf("resolve directory %q: %w", a.Dir, err))
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", usageErr(fmt.Errorf("not a directory: %s", a.Dir))
	}
	return abs, nil
}

func (a *App) pipelinePath(workDir string) string {
	if filepath.IsAbs(a.File) {
		return a.File
	}
	return filepath.Join(workDir, a.File)
}

// loadGraph loads the pipeline file and expands it over workDir.
func (a *App) loadGraph(workDir string) (*rule.File, *graph.Graph, error) {
	f, err := rule.Load(a.pipelinePath(workDir))
	if err != nil {
		return nil, nil, configErr(err)
	}
	g, err := graph.Build(f.Rules, workDir)
	if err != nil {
		// graph.Error carries its kind; exitCodeFor maps it.
		return nil, nil, err
	}
	return f, g, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}
