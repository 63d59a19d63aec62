// Package rule defines the declarative pipeline rule model.
//
// A pipeline file declares rules; each rule names one derived artifact (or a
// phony grouping operation) together with its inputs and the external command
// that produces it. Rules are purely declarative: expansion against the
// filesystem happens later, in the graph package.
package rule

import (
	"fmt"
	"strings"
)

// Pattern describes a templated rule applied once per matching raw file.
//
// Match and Output must each contain exactly one {trial} placeholder. Every
// file matching Match yields one concrete target whose output path is Output
// rendered with the extracted trial identifier.
type Pattern struct {
	Match  string `yaml:"match"`
	Output string `yaml:"output"`
}

// Rule is a single declaration from the pipeline file.
//
// Exactly one of the following shapes is valid:
//   - file rule: Output set, Run set, Pattern nil, Phony false
//   - pattern rule: Pattern set, Run set, Output empty, Phony false
//   - phony rule: Phony true, no Output, no Pattern (Run optional)
type Rule struct {
	// Name is the logical identifier used for addressing and group
	// references. It does not affect which file the rule produces.
	Name string `yaml:"name"`

	// Doc is the one-line description surfaced by the target listing.
	Doc string `yaml:"doc,omitempty"`

	// Output is the produced file path for a plain file rule.
	Output string `yaml:"output,omitempty"`

	// Inputs are file paths, {trial}-templated paths (pattern rules only),
	// or group references of the form "@rulename" which expand to all
	// concrete outputs of the named rule.
	Inputs []string `yaml:"inputs,omitempty"`

	// Run is the recipe command template. {output}, {input}, {inputs} and
	// {trial} are substituted with resolved paths before execution.
	Run string `yaml:"run,omitempty"`

	// Env is overlaid on the host environment for the recipe process.
	Env map[string]string `yaml:"env,omitempty"`

	// Phony marks a grouping operation with no backing output file.
	// Phony rules are always considered stale.
	Phony bool `yaml:"phony,omitempty"`

	// Precious outputs are never removed by clean. Used for per-trial
	// intermediates that are expensive to regenerate.
	Precious bool `yaml:"precious,omitempty"`

	Pattern *Pattern `yaml:"pattern,omitempty"`
}

// IsPattern reports whether the rule is expanded per matching raw file.
func (r *Rule) IsPattern() bool { return r.Pattern != nil }

// GroupRef returns the referenced rule name if input is a group reference.
func GroupRef(input string) (string, bool) {
	if strings.HasPrefix(input, "@") && len(input) > 1 {
		return input[1:], true
	}
	return "", false
}

// Validate checks a single rule's internal consistency.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if strings.HasPrefix(r.Name, "@") {
		return fmt.Errorf("rule %q: name must not start with '@'", r.Name)
	}
	if r.Phony {
		if r.Output != "" {
			return fmt.Errorf("rule %q: phony rules must not declare an output", r.Name)
		}
		if r.Pattern != nil {
			return fmt.Errorf("rule %q: phony rules must not declare a pattern", r.Name)
		}
		return nil
	}
	if r.Pattern != nil {
		if r.Output != "" {
			return fmt.Errorf("rule %q: pattern rules must not also declare output", r.Name)
		}
		if err := ValidateTrialTemplate(r.Pattern.Match); err != nil {
			return fmt.Errorf("rule %q: match: %w", r.Name, err)
		}
		if err := ValidateTrialTemplate(r.Pattern.Output); err != nil {
			return fmt.Errorf("rule %q: output: %w", r.Name, err)
		}
		if r.Run == "" {
			return fmt.Errorf("rule %q: pattern rules require a run command", r.Name)
		}
		return nil
	}
	if r.Output == "" {
		return fmt.Errorf("rule %q: output is required for non-phony rules", r.Name)
	}
	if strings.Contains(r.Output, trialPlaceholder) {
		return fmt.Errorf("rule %q: {trial} is only valid inside a pattern rule", r.Name)
	}
	if r.Run == "" {
		return fmt.Errorf("rule %q: run command is required", r.Name)
	}
	return nil
}
