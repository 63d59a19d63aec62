package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/watch"
)

func (a *App) watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [target...]",
		Short: "rebuild targets whenever raw captures change",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, args)
		},
	}
	a.buildFlags(cmd)
	return cmd
}

func (a *App) watch(ctx context.Context, requested []string) error {
	workDir, err := a.workDir()
	if err != nil {
		return err
	}

	// Validate the pipeline before settling in to watch.
	f, g, err := a.loadGraph(workDir)
	if err != nil {
		return err
	}

	dirs := watch.Dirs(f.Rules, workDir)
	w, err := watch.New(dirs, watch.DefaultDebounce, a.logger)
	if err != nil {
		return usageErr(err)
	}
	defer w.Close()

	// A new capture file expands into new targets, so the graph is reloaded
	// for every pass. Build failures are reported and watching continues.
	runPass := func(ctx context.Context) {
		if err := a.buildOnce(ctx, g, workDir, requested); err != nil {
			fmt.Fprintf(a.Stderr, "skelpipe: %v\n", err)
		}
	}

	runPass(ctx)
	fmt.Fprintf(a.Stdout, "watching %d directories; interrupt to stop\n", len(dirs))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return w.Run(ctx) })
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.Changes():
				_, g2, err := a.loadGraph(workDir)
				if err != nil {
					fmt.Fprintf(a.Stderr, "skelpipe: %v\n", err)
					continue
				}
				g = g2
				runPass(ctx)
			}
		}
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return internalErr(err)
	}
	return nil
}
