// Package graph builds the concrete dependency graph of pipeline targets.
//
// Construction expands declarative rules against a filesystem snapshot taken
// at build time: pattern rules are matched against existing raw capture
// files, group references are resolved to concrete output paths, and every
// input that no rule produces becomes a source leaf. The resulting graph is
// immutable, validated (no cycles, no ambiguous outputs) and safe for
// concurrent read access.
package graph

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/rule"
)

// Kind distinguishes the three node shapes in the target graph.
type Kind int

const (
	// KindSource is a raw file with no producing rule. It must exist on
	// disk before anything depending on it can build.
	KindSource Kind = iota

	// KindFile is a derived file produced by a recipe.
	KindFile

	// KindPhony is a named grouping operation with no backing file.
	KindPhony
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindFile:
		return "file"
	case KindPhony:
		return "phony"
	default:
		return "unknown"
	}
}

// Target is an immutable node in the pipeline graph.
//
// For KindFile nodes Name is the output path relative to the working
// directory. For KindPhony nodes Name is the rule name.
type Target struct {
	Name     string
	Kind     Kind
	RuleName string
	Doc      string

	// Run is the fully resolved recipe command (placeholders substituted).
	Run string
	Env map[string]string

	// Inputs are the names of this target's dependency nodes, in
	// declaration order with group references expanded.
	Inputs []string

	// TrialID is the identifier extracted for pattern-rule instances.
	TrialID string

	Precious bool

	canonicalIndex int
}

// HasRecipe reports whether building this target spawns a process.
func (t *Target) HasRecipe() bool { return t.Kind != KindSource && t.Run != "" }

// Graph is the validated, immutable pipeline DAG.
type Graph struct {
	nodesByName map[string]*Target
	nodes       []*Target // canonical order (sorted by name)

	outgoing [][]int // dependents, by canonical index, sorted
	incoming [][]int // dependencies, by canonical index, sorted
	indeg    []int
	depth    []int
}

// DefaultTarget is the phony target built when no target is requested.
const DefaultTarget = "all"

// Build expands rules into a concrete graph. Pattern rules are matched
// against files under root. If no rule named "all" exists, a phony "all"
// depending on every sink target is synthesized.
func Build(rules []rule.Rule, root string) (*Graph, error) {
	type producer struct {
		target *Target
		inputs []string // raw (possibly group-ref) input strings
		runTpl string
	}

	producers := make([]producer, 0, len(rules))
	outputsByRule := make(map[string][]string, len(rules))
	claimedBy := make(map[string]string) // node name -> rule name

	claim := func(name, ruleName string) error {
		if prev, taken := claimedBy[name]; taken {
			return ambiguousf("output %q claimed by rules %q and %q", name, prev, ruleName)
		}
		claimedBy[name] = ruleName
		return nil
	}

	for i := range rules {
		r := &rules[i]
		switch {
		case r.Phony:
			if err := claim(r.Name, r.Name); err != nil {
				return nil, err
			}
			producers = append(producers, producer{
				target: &Target{
					Name:     r.Name,
					Kind:     KindPhony,
					RuleName: r.Name,
					Doc:      r.Doc,
					Env:      r.Env,
				},
				inputs: r.Inputs,
				runTpl: r.Run,
			})
			outputsByRule[r.Name] = []string{r.Name}

		case r.IsPattern():
			matches, err := matchTrials(root, r.Pattern.Match)
			if err != nil {
				return nil, err
			}
			outs := make([]string, 0, len(matches))
			for _, m := range matches {
				out := normPath(rule.RenderTrialPath(r.Pattern.Output, m.id))
				if err := claim(out, r.Name); err != nil {
					return nil, err
				}
				ins := make([]string, 0, len(r.Inputs)+1)
				ins = append(ins, m.path)
				for _, in := range r.Inputs {
					if _, isRef := rule.GroupRef(in); isRef {
						ins = append(ins, in)
					} else {
						ins = append(ins, rule.RenderTrialPath(in, m.id))
					}
				}
				producers = append(producers, producer{
					target: &Target{
						Name:     out,
						Kind:     KindFile,
						RuleName: r.Name,
						Doc:      r.Doc,
						Env:      r.Env,
						TrialID:  m.id,
						Precious: r.Precious,
					},
					inputs: ins,
					runTpl: r.Run,
				})
				outs = append(outs, out)
			}
			sort.Strings(outs)
			outputsByRule[r.Name] = outs

		default:
			out := normPath(r.Output)
			if err := claim(out, r.Name); err != nil {
				return nil, err
			}
			producers = append(producers, producer{
				target: &Target{
					Name:     out,
					Kind:     KindFile,
					RuleName: r.Name,
					Doc:      r.Doc,
					Env:      r.Env,
					Precious: r.Precious,
				},
				inputs: r.Inputs,
				runTpl: r.Run,
			})
			outputsByRule[r.Name] = []string{out}
		}
	}

	// Resolve inputs: expand group references, normalize paths, and create
	// source leaves for anything no rule produces.
	nodesByName := make(map[string]*Target, len(producers))
	for _, p := range producers {
		nodesByName[p.target.Name] = p.target
	}

	for _, p := range producers {
		resolved := make([]string, 0, len(p.inputs))
		seen := make(map[string]struct{}, len(p.inputs))
		add := func(name string) {
			if _, dup := seen[name]; dup {
				return
			}
			seen[name] = struct{}{}
			resolved = append(resolved, name)
		}
		for _, in := range p.inputs {
			if ref, isRef := rule.GroupRef(in); isRef {
				outs, ok := outputsByRule[ref]
				if !ok {
					return nil, invalidf("rule %q: input references unknown rule %q", p.target.RuleName, ref)
				}
				for _, o := range outs {
					add(o)
				}
				continue
			}
			add(normPath(in))
		}
		p.target.Inputs = resolved

		for _, in := range resolved {
			if _, exists := nodesByName[in]; !exists {
				nodesByName[in] = &Target{Name: in, Kind: KindSource}
			}
		}
	}

	// Resolve recipe command templates now that inputs are concrete.
	for _, p := range producers {
		if p.runTpl == "" {
			continue
		}
		fileInputs := make([]string, 0, len(p.target.Inputs))
		for _, in := range p.target.Inputs {
			if nodesByName[in].Kind != KindPhony {
				fileInputs = append(fileInputs, in)
			}
		}
		out := p.target.Name
		if p.target.Kind == KindPhony {
			out = ""
		}
		p.target.Run = rule.RenderCommand(p.runTpl, out, fileInputs, p.target.TrialID)
	}

	if _, declared := nodesByName[DefaultTarget]; !declared {
		synthesizeAll(nodesByName)
	}

	return assemble(nodesByName)
}

// synthesizeAll adds a phony "all" depending on every target nothing else
// depends on.
func synthesizeAll(nodesByName map[string]*Target) {
	depended := make(map[string]struct{})
	for _, n := range nodesByName {
		for _, in := range n.Inputs {
			depended[in] = struct{}{}
		}
	}
	sinks := make([]string, 0)
	for name, n := range nodesByName {
		if n.Kind == KindSource {
			continue
		}
		if _, hasDependent := depended[name]; !hasDependent {
			sinks = append(sinks, name)
		}
	}
	sort.Strings(sinks)
	nodesByName[DefaultTarget] = &Target{
		Name:     DefaultTarget,
		Kind:     KindPhony,
		RuleName: DefaultTarget,
		Doc:      "build every top-level pipeline output",
		Inputs:   sinks,
	}
}

func assemble(nodesByName map[string]*Target) (*Graph, error) {
	nodes := make([]*Target, 0, len(nodesByName))
	for _, n := range nodesByName {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, n := range nodes {
		for _, in := range n.Inputs {
			dep, ok := nodesByName[in]
			if !ok {
				return nil, invalidf("unresolved input %q of %q", in, n.Name)
			}
			outgoing[dep.canonicalIndex] = append(outgoing[dep.canonicalIndex], n.canonicalIndex)
			incoming[n.canonicalIndex] = append(incoming[n.canonicalIndex], dep.canonicalIndex)
			indeg[n.canonicalIndex]++
		}
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
	}
	for i := range incoming {
		sort.Ints(incoming[i])
	}

	g := &Graph{
		nodesByName: nodesByName,
		nodes:       nodes,
		outgoing:    outgoing,
		incoming:    incoming,
		indeg:       indeg,
	}
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.depth = g.computeDepth()
	return g, nil
}

type trialMatch struct {
	path string // normalized, relative to root as declared
	id   string
}

// matchTrials scans the filesystem for files matching a {trial} template.
// Matching is re-checked with ExtractTrialID so a glob hit that would yield
// an empty or separator-crossing identifier is excluded.
func matchTrials(root, matchTpl string) ([]trialMatch, error) {
	globPat := rule.RenderTrialPath(matchTpl, "*")
	full := globPat
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, globPat)
	}
	hits, err := filepath.Glob(full)
	if err != nil {
		return nil, invalidf("bad pattern %q: %v", matchTpl, err)
	}

	matches := make([]trialMatch, 0, len(hits))
	seen := make(map[string]string, len(hits))
	for _, h := range hits {
		rel := h
		if !filepath.IsAbs(globPat) {
			if r, err := filepath.Rel(root, h); err == nil {
				rel = r
			}
		}
		rel = normPath(rel)
		id, ok := rule.ExtractTrialID(matchTpl, rel)
		if !ok {
			continue
		}
		if prev, dup := seen[id]; dup {
			return nil, ambiguousf("trial %q matched by both %q and %q", id, prev, rel)
		}
		seen[id] = rel
		matches = append(matches, trialMatch{path: rel, id: id})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].id < matches[j].id })
	return matches, nil
}

func normPath(p string) string {
	return filepath.ToSlash(filepath.Clean(strings.TrimSpace(p)))
}

// Node returns a target by name.
func (g *Graph) Node(name string) (*Target, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns all targets in canonical (name) order.
func (g *Graph) Nodes() []*Target {
	out := make([]*Target, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Dependencies returns the input names of a target in canonical order.
func (g *Graph) Dependencies(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.incoming[n.canonicalIndex]))
	for _, i := range g.incoming[n.canonicalIndex] {
		out = append(out, g.nodes[i].Name)
	}
	return out
}

// Dependents returns the names of targets that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.outgoing[n.canonicalIndex]))
	for _, i := range g.outgoing[n.canonicalIndex] {
		out = append(out, g.nodes[i].Name)
	}
	return out
}

// Depth returns the topological depth of a target: the length of the longest
// dependency path below it.
func (g *Graph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

// Closure returns the set of node names needed to build the requested
// targets: the targets themselves plus all transitive dependencies.
func (g *Graph) Closure(requested []string) (map[string]struct{}, error) {
	need := make(map[string]struct{})
	var visit func(idx int)
	visit = func(idx int) {
		name := g.nodes[idx].Name
		if _, done := need[name]; done {
			return
		}
		need[name] = struct{}{}
		for _, dep := range g.incoming[idx] {
			visit(dep)
		}
	}
	for _, name := range requested {
		n, ok := g.nodesByName[name]
		if !ok {
			return nil, unknownTarget(name)
		}
		visit(n.canonicalIndex)
	}
	return need, nil
}

// TopologicalOrder returns a deterministic dependency-respecting ordering of
// all target names. Construction validated acyclicity, so the order is total.
func (g *Graph) TopologicalOrder() []string {
	order := g.topoOrderIndices()
	names := make([]string, 0, len(order))
	for _, idx := range order {
		names = append(names, g.nodes[idx].Name)
	}
	return names
}

func (g *Graph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		maxParent := 0
		for _, p := range g.incoming[u] {
			if d := depth[p] + 1; d > maxParent {
				maxParent = d
			}
		}
		depth[u] = maxParent
	}
	return depth
}
