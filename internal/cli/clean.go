package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/graph"
)

func (a *App) cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "delete derived outputs, keeping precious per-trial files",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			workDir, err := a.workDir()
			if err != nil {
				return err
			}
			_, g, err := a.loadGraph(workDir)
			if err != nil {
				return err
			}
			return a.clean(g, workDir)
		},
	}
}

// clean removes every derived file output that is not marked precious. Raw
// captures (source leaves) and phony targets have no file to remove; the
// expensive per-trial intermediates are spared via the precious flag.
func (a *App) clean(g *graph.Graph, workDir string) error {
	removed := 0
	for _, n := range g.Nodes() {
		if n.Kind != graph.KindFile || n.Precious {
			continue
		}
		full := filepath.Join(workDir, filepath.FromSlash(n.Name))
		if err := os.Remove(full); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return internalErr(fmt.Errorf("remove %q: %w", n.Name, err))
		}
		removed++
		fmt.Fprintf(a.Stdout, "removed %s\n", n.Name)
	}
	fmt.Fprintf(a.Stdout, "removed %d file(s)\n", removed)
	return nil
}
