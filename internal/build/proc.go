package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
)

// procResult is the observable outcome of one recipe process.
type procResult struct {
	stdout   []byte
	stderr   []byte
	exitCode int
}

// runRecipe spawns one recipe process via the shell and waits for it.
//
// The process runs in its own process group so cancellation kills the whole
// recipe tree, not just the shell. Unlike a hermetic task runner, recipes
// inherit the host environment: the collaborating analysis scripts need PATH
// and friends. Declared per-rule env is overlaid on top.
//
// A non-nil error means the process could not be run at all; recipe failures
// are reported through exitCode.
func runRecipe(ctx context.Context, workDir, command string, env map[string]string) (*procResult, error) {
	if command == "" {
		return nil, fmt.Errorf("empty recipe command")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir
	cmd.Env = overlayEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start recipe: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			// Kill the whole process group (negative pid).
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("recipe cancelled: %w", ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to execute recipe: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &procResult{
		stdout:   stdout.Bytes(),
		stderr:   stderr.Bytes(),
		exitCode: exitCode,
	}, nil
}

func overlayEnv(extra map[string]string) []string {
	base := os.Environ()
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(base)+len(keys))
	out = append(out, base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
