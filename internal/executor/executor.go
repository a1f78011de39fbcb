// Package executor implements the run_task(task, args) -> TaskResult
// collaborator spec.md deliberately scopes out of the core engine: a
// subprocess dispatcher that resolves a task's function name to a shell
// command template, wraps it with POSIX timeout when the task has one,
// captures output into the Backend's log store, and parses the last
// stdout line as the task's JSON result.
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/task"
)

// Registry maps a task's function name to the shell command template that
// runs it, analogous to the teacher's in-process PluginRegistry but
// subprocess-based per spec.md's run_task contract. The resolved args are
// marshaled to JSON and passed as the command's sole argument.
type Registry map[string]string

// Subprocess is the default Executor: it shells out via /bin/sh -c,
// wrapping the command in `timeout -k T T` when the task carries a
// timeout, and records stdout/stderr to the Backend's log store.
type Subprocess struct {
	commands Registry
	backend  backend.Backend
}

// New constructs a Subprocess executor resolving function names through
// commands and persisting captured output through b.
func New(commands Registry, b backend.Backend) *Subprocess {
	return &Subprocess{commands: commands, backend: b}
}

// Execute runs t's function against resolvedArgs and returns the resulting
// TaskResult. A command that cannot even be started is an ExecutionError
// failure, not a StoreError; only a failure to append captured log lines is
// surfaced as the returned error.
func (s *Subprocess) Execute(ctx context.Context, runID int64, t task.Task, attempt int, resolvedArgs any) (task.Result, error) {
	started := time.Now().UTC()

	cmdTemplate, ok := s.commands[t.Function]
	if !ok {
		return failureResult(t, attempt, started, fmt.Sprintf("unknown function %q", t.Function)), nil
	}

	argsJSON, err := json.Marshal(resolvedArgs)
	if err != nil {
		return failureResult(t, attempt, started, fmt.Sprintf("marshal args: %v", err)), nil
	}

	name, args := "/bin/sh", []string{"-c", cmdTemplate, t.Function, string(argsJSON)}
	if t.Options.Timeout != nil {
		secs := strconv.FormatFloat(t.Options.Timeout.Seconds(), 'f', -1, 64)
		name = "timeout"
		args = append([]string{"-k", secs, secs, "/bin/sh", "-c", cmdTemplate, t.Function}, string(argsJSON))
	}

	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failureResult(t, attempt, started, fmt.Sprintf("stdout pipe: %v", err)), nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failureResult(t, attempt, started, fmt.Sprintf("stderr pipe: %v", err)), nil
	}

	if err := cmd.Start(); err != nil {
		return failureResult(t, attempt, started, fmt.Sprintf("start: %v", err)), nil
	}

	lastStdoutLine := ""
	logErr := make(chan error, 2)
	go func() { logErr <- s.captureLines(ctx, runID, t.ID, attempt, stdout, &lastStdoutLine) }()
	go func() { logErr <- s.captureLines(ctx, runID, t.ID, attempt, stderr, nil) }()

	waitErr := cmd.Wait()
	for i := 0; i < 2; i++ {
		if err := <-logErr; err != nil {
			return task.Result{}, fmt.Errorf("capture logs for task %d: %w", t.ID, err)
		}
	}
	ended := time.Now().UTC()

	exitCode := cmd.ProcessState.ExitCode()
	result := task.Result{
		TaskID:      t.ID,
		Attempt:     attempt,
		MaxAttempts: t.Options.MaxAttempts,
		Name:        t.Name,
		Function:    t.Function,
		IsBranch:    t.IsBranch,
		IsSensor:    t.Options.IsSensor,
		Started:     &started,
		Ended:       &ended,
		Elapsed:     ended.Sub(started),
		ExitCode:    &exitCode,
	}

	switch {
	case exitCode == 0:
		result.Success = true
		if lastStdoutLine != "" {
			var parsed any
			if err := json.Unmarshal([]byte(lastStdoutLine), &parsed); err == nil {
				result.Result = parsed
			} else {
				result.Result = lastStdoutLine
			}
		}
	case exitCode == 124:
		result.Success = false
		result.PrematureFailureErrorStr = "timed out"
	default:
		result.Success = false
		if waitErr != nil {
			result.PrematureFailureErrorStr = waitErr.Error()
		}
	}
	return result, nil
}

func (s *Subprocess) captureLines(ctx context.Context, runID int64, taskID, attempt int, r io.Reader, lastLine *string) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if err := s.backend.AppendLog(ctx, runID, taskID, attempt, line+"\n"); err != nil {
			return err
		}
		if lastLine != nil && strings.TrimSpace(line) != "" {
			*lastLine = line
		}
	}
	return nil
}

func failureResult(t task.Task, attempt int, started time.Time, errStr string) task.Result {
	ended := time.Now().UTC()
	return task.Result{
		TaskID:                   t.ID,
		Attempt:                  attempt,
		MaxAttempts:              t.Options.MaxAttempts,
		Name:                     t.Name,
		Function:                 t.Function,
		Success:                  false,
		IsBranch:                 t.IsBranch,
		IsSensor:                 t.Options.IsSensor,
		Started:                  &started,
		Ended:                    &ended,
		Elapsed:                  ended.Sub(started),
		PrematureFailureErrorStr: errStr,
	}
}
