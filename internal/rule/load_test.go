package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePipeline = `
vars:
  data: data

rules:
  - name: displacements
    doc: per-trial joint displacement extraction
    precious: true
    pattern:
      match: "${data}/{trial}-joint-positions.csv"
      output: "${data}/{trial}-joint-displacements.csv"
    run: "python calc.py --input {input} --output {output}"

  - name: skeleton-summary
    doc: tidy summary across all trials
    output: "${data}/task-switching-skeleton-summary.csv"
    inputs: ["@displacements"]
    run: "python summary.py --output {output} {inputs}"

  - name: all
    phony: true
    inputs: ["@skeleton-summary"]
`

func TestParse_ExpandsVarsAndValidates(t *testing.T) {
	f, err := Parse([]byte(samplePipeline))
	require.NoError(t, err)
	require.Len(t, f.Rules, 3)

	disp := f.Rules[0]
	assert.True(t, disp.IsPattern())
	assert.True(t, disp.Precious)
	assert.Equal(t, "data/{trial}-joint-positions.csv", disp.Pattern.Match)
	assert.Equal(t, "data/{trial}-joint-displacements.csv", disp.Pattern.Output)

	sum := f.Rules[1]
	assert.Equal(t, "data/task-switching-skeleton-summary.csv", sum.Output)

	all := f.Rules[2]
	assert.True(t, all.Phony)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - name: a
    output: a.csv
    run: "touch a.csv"
    precous: true
`))
	require.Error(t, err)
}

func TestParse_RejectsUndefinedVariable(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - name: a
    output: "${nope}/a.csv"
    run: "touch {output}"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "${nope}")
}

func TestParse_RejectsDuplicateRuleNames(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - name: a
    output: a.csv
    run: "touch a.csv"
  - name: a
    output: b.csv
    run: "touch b.csv"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule name")
}

func TestParse_RejectsUnknownGroupReference(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - name: a
    output: a.csv
    inputs: ["@missing"]
    run: "touch a.csv"
`))
	require.Error(t, err)
}

func TestParse_RejectsSelfGroupReference(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - name: a
    output: a.csv
    inputs: ["@a"]
    run: "touch a.csv"
`))
	require.Error(t, err)
}

func TestValidate_Shapes(t *testing.T) {
	assert.Error(t, (&Rule{Name: "", Output: "x", Run: "r"}).Validate())
	assert.Error(t, (&Rule{Name: "p", Phony: true, Output: "x"}).Validate())
	assert.Error(t, (&Rule{Name: "f", Output: "", Run: "r"}).Validate())
	assert.Error(t, (&Rule{Name: "f", Output: "x-{trial}.csv", Run: "r"}).Validate())
	assert.Error(t, (&Rule{Name: "pat", Pattern: &Pattern{Match: "a", Output: "b"}, Run: "r"}).Validate())
	assert.NoError(t, (&Rule{Name: "ok", Output: "x.csv", Run: "touch x.csv"}).Validate())
	assert.NoError(t, (&Rule{
		Name:    "pat",
		Pattern: &Pattern{Match: "in/{trial}.csv", Output: "out/{trial}.csv"},
		Run:     "cp {input} {output}",
	}).Validate())
}
