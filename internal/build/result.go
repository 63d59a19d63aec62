package build

// Result is the summary of one driver run.
type Result struct {
	// FinalStatus is the terminal state of every target in the requested
	// closure (source leaves excluded).
	FinalStatus map[string]Status

	// ExecutionOrder lists targets in the order their recipes started.
	ExecutionOrder []string

	// Stdout, Stderr and ExitCode capture per-target recipe output for
	// targets whose recipe ran.
	Stdout   map[string][]byte
	Stderr   map[string][]byte
	ExitCode map[string]int

	// FailedTargets lists failed targets in failure order, each with the
	// reason surfaced next to the captured output.
	FailedTargets []string

	Built   int
	Fresh   int
	Failed  int
	Skipped int

	DryRun bool
}

// OK reports whether every requested target finished without failure.
func (r *Result) OK() bool { return r != nil && r.Failed == 0 }

// tally recomputes the counters. countable filters out targets that carry no
// work of their own (recipe-less phony groupings), so summaries reflect
// recipes and files, not bookkeeping nodes.
func (r *Result) tally(countable func(name string) bool) {
	r.Built, r.Fresh, r.Failed, r.Skipped = 0, 0, 0, 0
	for name, st := range r.FinalStatus {
		if countable != nil && !countable(name) {
			continue
		}
		switch st {
		case StatusBuilt:
			r.Built++
		case StatusFresh:
			r.Fresh++
		case StatusFailed:
			r.Failed++
		case StatusSkipped:
			r.Skipped++
		}
	}
}
