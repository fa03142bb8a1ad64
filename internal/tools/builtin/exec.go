// Package builtin holds the default local tools every session starts with.
package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/lemonhq/lemon/internal/store"
	"github.com/lemonhq/lemon/internal/tools"
)

const defaultExecTimeout = 60 * time.Second

// Dangerous command patterns denied regardless of policy.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--recursive`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`/var/run/docker\.sock`),
}

// ExecTool runs shell commands with a wall-clock timeout, killing the whole
// process group on abort or expiry. Each run is recorded in the process
// store.
type ExecTool struct {
	workingDir string
	timeout    time.Duration
	procs      *store.ProcessStore // nil = no bookkeeping
}

func NewExecTool(workingDir string, timeout time.Duration, procs *store.ProcessStore) *ExecTool {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return &ExecTool{workingDir: workingDir, timeout: timeout, procs: procs}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Label() string { return "Shell" }
func (t *ExecTool) Description() string { return "Execute a shell command and return its output" }

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	command, _ := args["command"].(string)
	if command == "" {
		return tools.ErrorResult("command is required")
	}
	for _, pattern := range denyPatterns {
		if pattern.MatchString(command) {
			return tools.ErrorResult(fmt.Sprintf("command denied by safety policy: matches %s", pattern.String()))
		}
	}

	cwd := t.workingDir
	if wd, _ := args["working_dir"].(string); wd != "" {
		cwd = wd
	}

	procID := store.GenID()
	if t.procs != nil {
		t.procs.Insert(store.ProcessRecord{
			ProcessID: procID,
			Command:   command,
			Cwd:       cwd,
		})
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = cwd
	// Own process group so the whole tree dies together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		t.markProcess(procID, store.ProcError, nil)
		return tools.ErrorResult(fmt.Sprintf("start command: %v", err)).WithError(err)
	}
	t.markRunning(procID, cmd.Process.Pid)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	killed := false
	select {
	case waitErr = <-waitCh:
	case <-runCtx.Done():
		killed = true
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-waitCh
	}

	output := combineOutput(stdout.String(), stderr.String())
	t.appendLogs(procID, output)

	if killed {
		t.markProcess(procID, store.ProcKilled, nil)
		if ctx.Err() != nil {
			// Explicit abort from the session.
			return tools.CancelledResult("command aborted", nil)
		}
		return tools.CancelledResult(fmt.Sprintf("command timed out after %s", t.timeout), nil)
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			t.markProcess(procID, store.ProcError, nil)
			return tools.ErrorResult(fmt.Sprintf("command failed: %v", waitErr)).WithError(waitErr)
		}
	}

	status := store.ProcCompleted
	if exitCode != 0 {
		status = store.ProcError
	}
	t.markProcess(procID, status, &exitCode)

	res := tools.NewResult(output)
	if exitCode != 0 {
		res = tools.ErrorResult(fmt.Sprintf("exit code %d\n%s", exitCode, output))
	}
	return res.WithDetails(map[string]any{
		"process_id": procID,
		"exit_code":  exitCode,
	})
}

func (t *ExecTool) markRunning(procID string, pid int) {
	if t.procs == nil {
		return
	}
	now := time.Now().UTC()
	running := store.ProcRunning
	// The pid feeds lost-process detection after a restart.
	t.procs.Update(procID, store.ProcessUpdate{Status: &running, OSPid: &pid, StartedAt: &now})
	t.procs.AppendEvent(procID, "started", map[string]any{"os_pid": pid})
}

func (t *ExecTool) markProcess(procID, status string, exitCode *int) {
	if t.procs == nil {
		return
	}
	now := time.Now().UTC()
	t.procs.Update(procID, store.ProcessUpdate{
		Status:      &status,
		CompletedAt: &now,
		ExitCode:    exitCode,
	})
}

func (t *ExecTool) appendLogs(procID, output string) {
	if t.procs == nil || output == "" {
		return
	}
	t.procs.AppendLog(procID, strings.Split(strings.TrimRight(output, "\n"), "\n")...)
}

func combineOutput(stdout, stderr string) string {
	switch {
	case stdout != "" && stderr != "":
		return stdout + "\n" + stderr
	case stderr != "":
		return stderr
	default:
		return stdout
	}
}
