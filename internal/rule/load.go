package rule

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// File is the parsed pipeline declaration file.
type File struct {
	// Vars are simple string substitutions expanded into every template
	// field at load time via ${name} references.
	Vars map[string]string `yaml:"vars,omitempty"`

	Rules []Rule `yaml:"rules"`
}

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, parses, expands and validates a pipeline file.
//
// Parsing is strict: unknown fields are rejected so a typo cannot silently
// drop a dependency declaration.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return Parse(b)
}

// Parse parses pipeline file bytes. See Load.
func Parse(b []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse pipeline file: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("parse pipeline file: no rules")
	}

	if err := f.expandVars(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(f.Rules))
	for i := range f.Rules {
		r := &f.Rules[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate rule name: %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}

	for i := range f.Rules {
		r := &f.Rules[i]
		for _, in := range r.Inputs {
			if ref, ok := GroupRef(in); ok {
				if _, known := seen[ref]; !known {
					return nil, fmt.Errorf("rule %q: input references unknown rule %q", r.Name, ref)
				}
				if ref == r.Name {
					return nil, fmt.Errorf("rule %q: input references itself", r.Name)
				}
			}
		}
	}

	return &f, nil
}

func (f *File) expandVars() error {
	expand := func(s string) (string, error) {
		var missing string
		out := varRef.ReplaceAllStringFunc(s, func(ref string) string {
			name := varRef.FindStringSubmatch(ref)[1]
			v, ok := f.Vars[name]
			if !ok {
				missing = name
				return ref
			}
			return v
		})
		if missing != "" {
			return "", fmt.Errorf("undefined variable ${%s} in %q", missing, s)
		}
		return out, nil
	}

	for i := range f.Rules {
		r := &f.Rules[i]
		var err error
		if r.Output, err = expand(r.Output); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if r.Run, err = expand(r.Run); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		for j, in := range r.Inputs {
			if r.Inputs[j], err = expand(in); err != nil {
				return fmt.Errorf("rule %q: %w", r.Name, err)
			}
		}
		if r.Pattern != nil {
			if r.Pattern.Match, err = expand(r.Pattern.Match); err != nil {
				return fmt.Errorf("rule %q: %w", r.Name, err)
			}
			if r.Pattern.Output, err = expand(r.Pattern.Output); err != nil {
				return fmt.Errorf("rule %q: %w", r.Name, err)
			}
		}
	}
	return nil
}
