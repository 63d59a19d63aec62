package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/build"
	"github.com/DerekHarter/kinect-skeleton-tracking/internal/event"
	"github.com/DerekHarter/kinect-skeleton-tracking/internal/graph"
	"github.com/DerekHarter/kinect-skeleton-tracking/internal/stale"
	"github.com/DerekHarter/kinect-skeleton-tracking/internal/state"
)

func (a *App) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [target...]",
		Short: "build the requested targets (default: all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runBuild(ctx, args)
		},
	}
	a.buildFlags(cmd)
	return cmd
}

func (a *App) runBuild(ctx context.Context, requested []string) error {
	workDir, err := a.workDir()
	if err != nil {
		return err
	}
	f, g, err := a.loadGraph(workDir)
	if err != nil {
		return err
	}

	// The clean and help operations are addressable as run targets unless
	// the pipeline declares rules with those names.
	if len(requested) == 1 {
		if _, declared := g.Node(requested[0]); !declared {
			switch requested[0] {
			case "clean":
				return a.clean(g, workDir)
			case "help":
				return a.list(f, g)
			}
		}
	}

	return a.buildOnce(ctx, g, workDir, requested)
}

// buildOnce executes one driver invocation over an already-expanded graph:
// snapshot, staleness probes, recipes, ledger and journal persistence, and
// the closing summary line.
func (a *App) buildOnce(ctx context.Context, g *graph.Graph, workDir string, requested []string) error {
	store, err := state.NewStore(workDir)
	if err != nil {
		return internalErr(err)
	}

	paths := make([]string, 0)
	for _, n := range g.Nodes() {
		if n.Kind != graph.KindPhony {
			paths = append(paths, n.Name)
		}
	}
	snap := stale.Capture(workDir, paths)

	strategy := "modtime"
	var evaluator stale.Evaluator = &stale.ModTime{Snap: snap}
	var ledger map[string]string
	if a.Hash {
		strategy = "hash"
		ledger, err = store.LoadLedger()
		if err != nil {
			return configErr(err)
		}
		evaluator = &stale.ContentHash{Snap: snap, Ledger: ledger}
	}

	policy := build.PolicyFailFast
	if a.KeepGoing {
		policy = build.PolicyKeepGoing
	}

	ex, err := build.New(g, build.Options{
		WorkDir:   workDir,
		Jobs:      a.Jobs,
		Policy:    policy,
		DryRun:    a.DryRun,
		Evaluator: evaluator,
		Snapshot:  snap,
		Logger:    a.logger,
		Sink:      &printSink{w: a.Stdout},
	})
	if err != nil {
		return internalErr(err)
	}

	start := time.Now()
	res, err := ex.Run(ctx, requested)
	if err != nil {
		if errors.Is(err, graph.ErrUnknownTarget) {
			return err
		}
		if errors.Is(err, context.Canceled) {
			return &exitError{code: ExitBuildFailure, err: err}
		}
		return internalErr(err)
	}

	if a.Hash && !a.DryRun {
		if err := store.SaveLedger(ledger); err != nil {
			return internalErr(fmt.Errorf("persist hash ledger: %w", err))
		}
	}

	exitCode := ExitOK
	if !res.OK() {
		exitCode = ExitBuildFailure
	}

	journal := state.Run{
		RunID:     uuid.NewString(),
		StartTime: start,
		Duration:  time.Since(start).Milliseconds(),
		Targets:   requestedOrDefault(requested),
		Policy:    string(policy),
		Strategy:  strategy,
		DryRun:    a.DryRun,
		Status:    statusStrings(res.FinalStatus),
		Built:     res.Built,
		Fresh:     res.Fresh,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		ExitCode:  exitCode,
	}
	if err := store.SaveRun(journal); err != nil {
		a.logger.Warn("could not record run journal", zap.Error(err))
	}

	fmt.Fprintf(a.Stdout, "built %d, fresh %d, failed %d, skipped %d\n",
		res.Built, res.Fresh, res.Failed, res.Skipped)

	if !res.OK() {
		for _, name := range res.FailedTargets {
			if msg := strings.TrimSpace(string(res.Stderr[name])); msg != "" {
				fmt.Fprintf(a.Stderr, "%s: %s\n", name, msg)
			}
		}
		return &exitError{
			code: ExitBuildFailure,
			err:  fmt.Errorf("build failed: %s", strings.Join(res.FailedTargets, ", ")),
		}
	}
	return nil
}

func requestedOrDefault(requested []string) []string {
	if len(requested) == 0 {
		return []string{graph.DefaultTarget}
	}
	return requested
}

func statusStrings(m map[string]build.Status) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = string(v)
	}
	return out
}

// printSink renders the build event stream as make-like progress lines.
// Recipes run concurrently, so writes are serialized.
type printSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printSink) Record(e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Kind {
	case event.RecipeStarted:
		if e.Cause == "dry-run" {
			fmt.Fprintf(p.w, "would build %s\n", e.Target)
			return
		}
		fmt.Fprintf(p.w, "building %s\n", e.Target)
	case event.TargetFailed:
		fmt.Fprintf(p.w, "failed %s (%s)\n", e.Target, e.Cause)
	case event.TargetSkipped:
		fmt.Fprintf(p.w, "skipped %s (after %s)\n", e.Target, e.Cause)
	}
}
