package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/event"
	"github.com/DerekHarter/kinect-skeleton-tracking/internal/graph"
	"github.com/DerekHarter/kinect-skeleton-tracking/internal/rule"
	"github.com/DerekHarter/kinect-skeleton-tracking/internal/stale"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func mustGraph(t *testing.T, rules []rule.Rule, root string) *graph.Graph {
	t.Helper()
	g, err := graph.Build(rules, root)
	if err != nil {
		t.Fatalf("graph build: %v", err)
	}
	return g
}

// runOnce captures a fresh snapshot, runs the requested targets and returns
// the result plus the recorded event stream.
func runOnce(t *testing.T, g *graph.Graph, root string, requested []string, mod func(*Options)) (*Result, *event.Recorder) {
	t.Helper()
	names := make([]string, 0)
	for _, n := range g.Nodes() {
		if n.Kind != graph.KindPhony {
			names = append(names, n.Name)
		}
	}
	snap := stale.Capture(root, names)
	rec := event.NewRecorder()
	opts := Options{
		WorkDir:   root,
		Evaluator: &stale.ModTime{Snap: snap},
		Snapshot:  snap,
		Sink:      rec,
	}
	if mod != nil {
		mod(&opts)
	}
	ex, err := New(g, opts)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	res, err := ex.Run(context.Background(), requested)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res, rec
}

func chainRules() []rule.Rule {
	return []rule.Rule{
		{
			Name: "displacements",
			Pattern: &rule.Pattern{
				Match:  "{trial}-joint-positions.csv",
				Output: "{trial}-joint-displacements.csv",
			},
			Run:      "cat {input} > {output}",
			Precious: true,
		},
		{
			Name:   "summary",
			Output: "task-switching-skeleton-summary.csv",
			Inputs: []string{"@displacements"},
			Run:    "cat {inputs} > {output}",
		},
	}
}

func TestRun_BuildsEverythingThenRerunIsNoOp(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "0001_2020_Jan_05-joint-positions.csv", "a\n")
	writeFile(t, root, "0002_2020_Jan_06-joint-positions.csv", "b\n")

	g := mustGraph(t, chainRules(), root)

	res, rec := runOnce(t, g, root, nil, nil)
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := rec.Count(event.RecipeStarted); got != 3 {
		t.Fatalf("expected 3 recipes (two displacements, one summary), got %d", got)
	}
	if res.FinalStatus["task-switching-skeleton-summary.csv"] != StatusBuilt {
		t.Fatalf("summary not built: %v", res.FinalStatus)
	}

	content, err := os.ReadFile(filepath.Join(root, "task-switching-skeleton-summary.csv"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if string(content) != "a\nb\n" {
		t.Fatalf("unexpected summary content %q", content)
	}

	// Immediate rerun executes zero recipes.
	res2, rec2 := runOnce(t, g, root, nil, nil)
	if !res2.OK() {
		t.Fatalf("expected success, got %+v", res2)
	}
	if got := rec2.Count(event.RecipeStarted); got != 0 {
		t.Fatalf("rerun must execute zero recipes, got %d", got)
	}
	for name, st := range res2.FinalStatus {
		node, _ := g.Node(name)
		if node.Kind == graph.KindPhony {
			continue
		}
		if st != StatusFresh {
			t.Fatalf("expected %q fresh on rerun, got %s", name, st)
		}
	}
}

func TestRun_TouchingOneRawRebuildsExactlyItsDependents(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "0001_2020_Jan_05-joint-positions.csv", "a\n")
	writeFile(t, root, "0002_2020_Jan_06-joint-positions.csv", "b\n")

	g := mustGraph(t, chainRules(), root)
	if res, _ := runOnce(t, g, root, nil, nil); !res.OK() {
		t.Fatalf("initial build failed")
	}

	// Touch one raw capture into the future so the comparison does not
	// depend on filesystem clock resolution.
	future := time.Now().Add(time.Hour)
	raw := filepath.Join(root, "0001_2020_Jan_05-joint-positions.csv")
	if err := os.Chtimes(raw, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	res, rec := runOnce(t, g, root, nil, nil)
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := rec.Count(event.RecipeStarted); got != 2 {
		t.Fatalf("expected exactly 2 recipes (touched displacement + summary), got %d: %v", got, res.ExecutionOrder)
	}
	if res.FinalStatus["0001_2020_Jan_05-joint-displacements.csv"] != StatusBuilt {
		t.Fatalf("touched trial not rebuilt: %v", res.FinalStatus)
	}
	if res.FinalStatus["0002_2020_Jan_06-joint-displacements.csv"] != StatusFresh {
		t.Fatalf("untouched trial must stay fresh: %v", res.FinalStatus)
	}
	if res.FinalStatus["task-switching-skeleton-summary.csv"] != StatusBuilt {
		t.Fatalf("summary must rebuild when an input was rebuilt: %v", res.FinalStatus)
	}
}

func TestRun_RecipeNeverStartsBeforeItsInputs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "raw.csv", "x\n")

	rules := []rule.Rule{
		{Name: "d", Output: "d.csv", Inputs: []string{"raw.csv"}, Run: "cat raw.csv > d.csv"},
		{Name: "s", Output: "s.csv", Inputs: []string{"d.csv"}, Run: "cat d.csv > s.csv"},
		{Name: "f", Output: "f.csv", Inputs: []string{"s.csv"}, Run: "cat s.csv > f.csv"},
	}
	g := mustGraph(t, rules, root)

	res, _ := runOnce(t, g, root, nil, func(o *Options) { o.Jobs = 4 })
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}

	pos := map[string]int{}
	for i, n := range res.ExecutionOrder {
		pos[n] = i
	}
	if !(pos["d.csv"] < pos["s.csv"] && pos["s.csv"] < pos["f.csv"]) {
		t.Fatalf("dependency order violated: %v", res.ExecutionOrder)
	}
}

func TestRun_ParallelIndependentBranches(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.in", "a\n")
	writeFile(t, root, "b.in", "b\n")
	writeFile(t, root, "c.in", "c\n")

	rules := []rule.Rule{
		{Name: "a", Output: "a.out", Inputs: []string{"a.in"}, Run: "cat a.in > a.out"},
		{Name: "b", Output: "b.out", Inputs: []string{"b.in"}, Run: "cat b.in > b.out"},
		{Name: "c", Output: "c.out", Inputs: []string{"c.in"}, Run: "cat c.in > c.out"},
		{Name: "join", Output: "join.out", Inputs: []string{"a.out", "b.out", "c.out"}, Run: "cat a.out b.out c.out > join.out"},
	}
	g := mustGraph(t, rules, root)

	res, rec := runOnce(t, g, root, nil, func(o *Options) { o.Jobs = 3 })
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := rec.Count(event.RecipeStarted); got != 4 {
		t.Fatalf("expected 4 recipes, got %d", got)
	}
	if res.ExecutionOrder[len(res.ExecutionOrder)-1] != "join.out" {
		t.Fatalf("join must start last: %v", res.ExecutionOrder)
	}
	content, err := os.ReadFile(filepath.Join(root, "join.out"))
	if err != nil || string(content) != "a\nb\nc\n" {
		t.Fatalf("join content %q err %v", content, err)
	}
}

func TestRun_FailureSkipsDependents_KeepGoingBuildsSiblings(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "ok.in", "x\n")

	rules := []rule.Rule{
		{Name: "bad", Output: "bad.out", Run: "echo boom >&2; exit 3"},
		{Name: "dep", Output: "dep.out", Inputs: []string{"bad.out"}, Run: "cat bad.out > dep.out"},
		{Name: "sibling", Output: "sibling.out", Inputs: []string{"ok.in"}, Run: "cat ok.in > sibling.out"},
	}
	g := mustGraph(t, rules, root)

	res, _ := runOnce(t, g, root, nil, func(o *Options) { o.Policy = PolicyKeepGoing })
	if res.OK() {
		t.Fatalf("expected failure")
	}
	if res.FinalStatus["bad.out"] != StatusFailed {
		t.Fatalf("expected bad.out failed: %v", res.FinalStatus)
	}
	if res.FinalStatus["dep.out"] != StatusSkipped {
		t.Fatalf("expected dep.out skipped: %v", res.FinalStatus)
	}
	if res.FinalStatus["sibling.out"] != StatusBuilt {
		t.Fatalf("keep-going must complete independent branches: %v", res.FinalStatus)
	}
	if res.ExitCode["bad.out"] != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode["bad.out"])
	}
	if len(res.Stderr["bad.out"]) == 0 {
		t.Fatalf("expected captured stderr")
	}
}

func TestRun_FailFastStopsDispatchingNewRecipes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "ok.in", "x\n")

	// Serial so the failing target (depth 0, "aaa-bad" sorts first) is
	// dispatched before the sibling.
	rules := []rule.Rule{
		{Name: "bad", Output: "aaa-bad.out", Run: "exit 1"},
		{Name: "sibling", Output: "zzz-sibling.out", Inputs: []string{"ok.in"}, Run: "cat ok.in > zzz-sibling.out"},
	}
	g := mustGraph(t, rules, root)

	res, _ := runOnce(t, g, root, nil, func(o *Options) { o.Policy = PolicyFailFast; o.Jobs = 1 })
	if res.OK() {
		t.Fatalf("expected failure")
	}
	if res.FinalStatus["aaa-bad.out"] != StatusFailed {
		t.Fatalf("expected failure recorded: %v", res.FinalStatus)
	}
	if res.FinalStatus["zzz-sibling.out"] != StatusSkipped {
		t.Fatalf("fail-fast must not start independent siblings: %v", res.FinalStatus)
	}
	if _, err := os.Stat(filepath.Join(root, "zzz-sibling.out")); !os.IsNotExist(err) {
		t.Fatalf("sibling recipe must not have run")
	}
}

func TestRun_MissingInputFailsBranchOnly(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "ok.in", "x\n")

	rules := []rule.Rule{
		{Name: "orphan", Output: "orphan.out", Inputs: []string{"never-written.csv"}, Run: "cat never-written.csv > orphan.out"},
		{Name: "good", Output: "good.out", Inputs: []string{"ok.in"}, Run: "cat ok.in > good.out"},
	}
	g := mustGraph(t, rules, root)

	res, rec := runOnce(t, g, root, nil, func(o *Options) { o.Policy = PolicyKeepGoing })
	if res.OK() {
		t.Fatalf("expected failure")
	}
	if res.FinalStatus["orphan.out"] != StatusFailed {
		t.Fatalf("expected orphan.out failed: %v", res.FinalStatus)
	}
	if res.FinalStatus["good.out"] != StatusBuilt {
		t.Fatalf("expected good.out built: %v", res.FinalStatus)
	}
	// The missing-input failure must not spawn a process.
	if got := rec.Count(event.RecipeStarted); got != 1 {
		t.Fatalf("expected 1 recipe, got %d", got)
	}
}

func TestRun_DryRunSpawnsNothing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "raw.csv", "x\n")

	rules := []rule.Rule{
		{Name: "d", Output: "d.csv", Inputs: []string{"raw.csv"}, Run: "cat raw.csv > d.csv"},
	}
	g := mustGraph(t, rules, root)

	res, _ := runOnce(t, g, root, nil, func(o *Options) { o.DryRun = true })
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.ExecutionOrder) != 1 || res.ExecutionOrder[0] != "d.csv" {
		t.Fatalf("expected d.csv planned, got %v", res.ExecutionOrder)
	}
	if _, err := os.Stat(filepath.Join(root, "d.csv")); !os.IsNotExist(err) {
		t.Fatalf("dry run must not write outputs")
	}
}

func TestRun_PhonyWithRecipeAlwaysRuns(t *testing.T) {
	root := t.TempDir()

	rules := []rule.Rule{
		{Name: "stamp", Phony: true, Run: "echo ran >> stamps.log"},
	}
	g := mustGraph(t, rules, root)

	for i := 0; i < 2; i++ {
		res, rec := runOnce(t, g, root, []string{"stamp"}, nil)
		if !res.OK() {
			t.Fatalf("expected success, got %+v", res)
		}
		if got := rec.Count(event.RecipeStarted); got != 1 {
			t.Fatalf("phony must run every invocation, got %d recipes", got)
		}
	}
	content, err := os.ReadFile(filepath.Join(root, "stamps.log"))
	if err != nil {
		t.Fatalf("read stamps: %v", err)
	}
	if string(content) != "ran\nran\n" {
		t.Fatalf("unexpected stamps %q", content)
	}
}

func TestRun_RequestedSubsetOnly(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.in", "a\n")
	writeFile(t, root, "b.in", "b\n")

	rules := []rule.Rule{
		{Name: "a", Output: "a.out", Inputs: []string{"a.in"}, Run: "cat a.in > a.out"},
		{Name: "b", Output: "b.out", Inputs: []string{"b.in"}, Run: "cat b.in > b.out"},
	}
	g := mustGraph(t, rules, root)

	res, rec := runOnce(t, g, root, []string{"a.out"}, nil)
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := rec.Count(event.RecipeStarted); got != 1 {
		t.Fatalf("expected only the requested branch to build, got %d recipes", got)
	}
	if _, tracked := res.FinalStatus["b.out"]; tracked {
		t.Fatalf("unrequested target must not be scheduled: %v", res.FinalStatus)
	}
}

func TestRun_ContentHashStrategyIgnoresTouch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "raw.csv", "x\n")

	rules := []rule.Rule{
		{Name: "d", Output: "d.csv", Inputs: []string{"raw.csv"}, Run: "cat raw.csv > d.csv"},
	}
	g := mustGraph(t, rules, root)

	ledger := map[string]string{}
	hashRun := func() (*Result, *event.Recorder) {
		snap := stale.Capture(root, []string{"raw.csv", "d.csv"})
		rec := event.NewRecorder()
		ex, err := New(g, Options{
			WorkDir:   root,
			Evaluator: &stale.ContentHash{Snap: snap, Ledger: ledger},
			Snapshot:  snap,
			Sink:      rec,
		})
		if err != nil {
			t.Fatalf("new executor: %v", err)
		}
		res, err := ex.Run(context.Background(), []string{"d.csv"})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return res, rec
	}

	if res, rec := hashRun(); !res.OK() || rec.Count(event.RecipeStarted) != 1 {
		t.Fatalf("first hash run should build once")
	}

	// Touch without content change: hash strategy must stay fresh.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(root, "raw.csv"), future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if res, rec := hashRun(); !res.OK() || rec.Count(event.RecipeStarted) != 0 {
		t.Fatalf("touch without change must not rebuild under hash strategy, got %d", rec.Count(event.RecipeStarted))
	}

	// Content change rebuilds.
	writeFile(t, root, "raw.csv", "changed\n")
	if res, rec := hashRun(); !res.OK() || rec.Count(event.RecipeStarted) != 1 {
		t.Fatalf("content change must rebuild under hash strategy")
	}
}
