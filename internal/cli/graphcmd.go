package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/graph"
)

func (a *App) graphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "print the expanded dependency graph in build order",
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
			for _, name := range g.TopologicalOrder() {
				n, _ := g.Node(name)
				if n.Kind == graph.KindSource {
					continue
				}
				line := fmt.Sprintf("%s (%s)", name, n.Kind)
				if deps := g.Dependencies(name); len(deps) > 0 {
					line += " <- " + strings.Join(deps, " ")
				}
				fmt.Fprintln(a.Stdout, line)
			}
			return nil
		},
	}
}
