package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/graph"
	"github.com/DerekHarter/kinect-skeleton-tracking/internal/rule"
)

func (a *App) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"rules"},
		Short:   "list every pipeline rule with its description",
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			workDir, err := a.workDir()
			if err != nil {
				return err
			}
			f, g, err := a.loadGraph(workDir)
			if err != nil {
				return err
			}
			return a.list(f, g)
		},
	}
}

// list prints one line per declared rule: name, shape, how many concrete
// targets it expanded to, and its doc string.
func (a *App) list(f *rule.File, g *graph.Graph) error {
	targets := make(map[string]int)
	for _, n := range g.Nodes() {
		if n.RuleName != "" {
			targets[n.RuleName]++
		}
	}

	tw := tabwriter.NewWriter(a.Stdout, 0, 4, 2, ' ', 0)
	for i := range f.Rules {
		r := &f.Rules[i]
		shape := "file"
		switch {
		case r.Phony:
			shape = "phony"
		case r.IsPattern():
			shape = "pattern"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d target(s)\t%s\n", r.Name, shape, targets[r.Name], r.Doc)
	}
	if n, ok := g.Node(graph.DefaultTarget); ok && targets[graph.DefaultTarget] == 0 {
		fmt.Fprintf(tw, "%s\t%s\t%d target(s)\t%s\n", n.Name, "phony", 1, n.Doc)
	}
	return tw.Flush()
}
