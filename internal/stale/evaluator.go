package stale

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Evaluator decides whether a target's output can be reused as-is.
//
// The executor consults the evaluator only when none of the target's inputs
// were rebuilt during the current run; a rebuilt input always forces the
// dependent to run.
type Evaluator interface {
	// Fresh reports whether output is up to date with respect to inputs.
	Fresh(output string, inputs []string) (bool, error)

	// Commit records a successful build of output so future runs can judge
	// freshness. A no-op for strategies that read everything from the
	// filesystem.
	Commit(output string, inputs []string) error
}

// ModTime is the default strategy: a target is fresh iff its output exists
// and no input has a strictly newer modification time. Equal timestamps count
// as fresh, so reruns on filesystems with coarse clock resolution stay
// no-ops.
type ModTime struct {
	Snap *Snapshot
}

func (m *ModTime) Fresh(output string, inputs []string) (bool, error) {
	out := m.Snap.Lookup(output)
	if !out.Exists {
		return false, nil
	}
	for _, in := range inputs {
		e := m.Snap.Lookup(in)
		if !e.Exists {
			return false, nil
		}
		if e.ModTime.After(out.ModTime) {
			return false, nil
		}
	}
	return true, nil
}

func (m *ModTime) Commit(string, []string) error { return nil }

// ContentHash judges freshness by the sha256 over the target's input set,
// compared against the hash recorded in the ledger when the target last built
// successfully. Timestamp churn (touch without content change) does not
// trigger a rebuild under this strategy.
type ContentHash struct {
	Snap   *Snapshot
	Ledger map[string]string
}

func (c *ContentHash) Fresh(output string, inputs []string) (bool, error) {
	if !c.Snap.Lookup(output).Exists {
		return false, nil
	}
	recorded, ok := c.Ledger[output]
	if !ok {
		return false, nil
	}
	current, err := c.HashInputs(inputs)
	if err != nil {
		return false, err
	}
	return current == recorded, nil
}

func (c *ContentHash) Commit(output string, inputs []string) error {
	h, err := c.HashInputs(inputs)
	if err != nil {
		return err
	}
	c.Ledger[output] = h
	return nil
}

// HashInputs computes the deterministic identity of an input set: sorted
// (path, content) pairs, each field length-prefixed so adjacent fields cannot
// alias. Contents are read from disk at call time because upstream targets
// may have just been rebuilt.
func (c *ContentHash) HashInputs(inputs []string) (string, error) {
	sorted := make([]string, len(inputs))
	copy(sorted, inputs)
	sort.Strings(sorted)

	h := sha256.New()
	writeField := func(data []byte) {
		n := uint64(len(data))
		h.Write([]byte{
			byte(n >> 56), byte(n >> 48), byte(n >> 40), byte(n >> 32),
			byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n),
		})
		h.Write(data)
	}

	writeField([]byte{byte(len(sorted))})
	for _, p := range sorted {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(c.Snap.Root(), p)
		}
		content, err := os.ReadFile(full)
		if err != nil {
			return "", fmt.Errorf("hashing input %q: %w", p, err)
		}
		writeField([]byte(p))
		writeField(content)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
