// Package state persists driver state under <workdir>/.skelpipe/:
// the content-hash ledger consulted by the hash staleness strategy, and a
// per-run journal of build outcomes.
//
// All writes are atomic and durable (file sync + rename + directory sync), so
// an interrupted run can never leave a torn ledger behind.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const stateDirName = ".skelpipe"

// Run is one journal entry: the outcome of a single driver invocation.
type Run struct {
	RunID     string    `json:"run_id"`
	StartTime time.Time `json:"start_time"`
	Duration  int64     `json:"duration_ms"`

	Targets  []string `json:"targets"`  // requested targets
	Policy   string   `json:"policy"`   // fail-fast | keep-going
	Strategy string   `json:"strategy"` // modtime | hash
	DryRun   bool     `json:"dry_run,omitempty"`

	// Status holds the final per-target status keyed by target name.
	Status map[string]string `json:"status"`

	Built   int `json:"built"`
	Fresh   int `json:"fresh"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`

	ExitCode int `json:"exit_code"`
}

func (r *Run) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run_id is required")
	}
	if r.StartTime.IsZero() {
		return errors.New("start_time is required")
	}
	return nil
}

// Store provides persistent storage rooted at <baseDir>/.skelpipe/.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) stateDir() string       { return filepath.Join(s.baseDir, stateDirName) }
func (s *Store) ledgerPath() string     { return filepath.Join(s.stateDir(), "ledger.json") }
func (s *Store) runsDir() string        { return filepath.Join(s.stateDir(), "runs") }
func (s *Store) runPath(id string) string { return filepath.Join(s.runsDir(), id+".json") }

// LoadLedger reads the content-hash ledger. A missing ledger is an empty one.
func (s *Store) LoadLedger() (map[string]string, error) {
	ledger := make(map[string]string)
	err := readJSONStrict(s.ledgerPath(), &ledger)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return ledger, nil
}

// SaveLedger atomically replaces the content-hash ledger.
func (s *Store) SaveLedger(ledger map[string]string) error {
	if err := ensureDirDurable(s.stateDir(), 0o755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	data, err := jsonMarshalStable(ledger)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := writeFileAtomicDurable(s.ledgerPath(), data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// SaveRun appends a run journal entry.
func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if err := ensureDirDurable(s.runsDir(), 0o755); err != nil {
		return fmt.Errorf("ensure runs dir: %w", err)
	}
	data, err := jsonMarshalStable(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if err := writeFileAtomicDurable(s.runPath(run.RunID), data, 0o644); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// LoadRun reads one journal entry by run ID.
func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if strings.TrimSpace(runID) == "" {
		return Run{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.runPath(runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

// ListRunIDs returns all recorded run IDs, sorted lexicographically.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// LatestRun returns the journal entry with the most recent start time.
func (s *Store) LatestRun() (Run, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return Run{}, err
	}
	if len(ids) == 0 {
		return Run{}, os.ErrNotExist
	}
	var latest Run
	for _, id := range ids {
		run, err := s.LoadRun(id)
		if err != nil {
			return Run{}, err
		}
		if latest.RunID == "" || run.StartTime.After(latest.StartTime) {
			latest = run
		}
	}
	return latest, nil
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		if err := fsyncDir(parent); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
