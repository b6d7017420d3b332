// Package launcher spawns managed children. Two paths: a normal spawn and an
// elevated spawn (Windows: powershell Start-Process -Verb RunAs; POSIX:
// sudo -n). Child stdout/stderr go to the process log file in append mode; no
// controlling terminal is allocated.
package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/OpenListTeam/openlist-desktop-service/internal/catalog"
	"github.com/OpenListTeam/openlist-desktop-service/internal/logsink"
)

var (
	ErrBinaryNotFound    = errors.New("binary not found")
	ErrWorkingDirMissing = errors.New("working directory missing")
	ErrPermissionDenied  = errors.New("permission denied")
)

// ExitStatus is the result of waiting on a child. Err is set only for wait
// failures that carry no exit code; Code is -1 in that case.
type ExitStatus struct {
	Code int
	Err  error
}

// Handle owns one launched child: its pid, an exit-wait primitive and
// terminate/kill primitives. For elevated Windows children the handle tracks
// the PowerShell launcher, not the elevated child itself.
type Handle struct {
	pid      int
	cmd      *exec.Cmd
	logFile  *os.File
	elevated bool

	waitOnce sync.Once
	status   ExitStatus
}

func (h *Handle) PID() int { return h.pid }

// Wait blocks until the child exits and returns its status. Safe to call from
// multiple goroutines; the log file handle is closed after the first wait.
func (h *Handle) Wait() ExitStatus {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		if h.logFile != nil {
			h.logFile.Close()
		}
		if err == nil {
			h.status = ExitStatus{Code: 0}
			return
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			h.status = ExitStatus{Code: ee.ExitCode()}
			return
		}
		h.status = ExitStatus{Code: -1, Err: err}
	})
	return h.status
}

// Terminate asks the child to exit (SIGTERM to the process group on POSIX; on
// Windows TerminateProcess for normal children, taskkill /T for elevated ones).
func (h *Handle) Terminate() error { return terminate(h) }

// Kill forces the child down.
func (h *Handle) Kill() error { return kill(h) }

// Spawn launches the process described by cfg with stdout/stderr appended to
// logPath. Start errors are classified into ErrBinaryNotFound,
// ErrWorkingDirMissing or ErrPermissionDenied where the cause is clear.
func Spawn(cfg catalog.ProcessConfig, logPath string) (*Handle, error) {
	if cfg.WorkingDir != "" {
		if fi, err := os.Stat(cfg.WorkingDir); err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrWorkingDirMissing, cfg.WorkingDir)
		}
	}
	argv := []string{cfg.BinPath}
	argv = append(argv, cfg.Args...)
	if cfg.RunAsAdmin {
		argv = elevatedArgv(cfg)
	}

	logFile, err := logsink.OpenAppend(logPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Dir = cfg.WorkingDir
	cmd.Env = mergedEnv(os.Environ(), cfg.EnvVars)
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, classifyStartError(err, cfg.BinPath)
	}
	return &Handle{
		pid:      cmd.Process.Pid,
		cmd:      cmd,
		logFile:  logFile,
		elevated: cfg.RunAsAdmin,
	}, nil
}

func classifyStartError(err error, binPath string) error {
	switch {
	case errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err):
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, binPath)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, binPath)
	default:
		return fmt.Errorf("spawn %s: %w", binPath, err)
	}
}

// mergedEnv overlays overrides onto the base KEY=VALUE environment.
func mergedEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := append([]string(nil), base...)
	idx := make(map[string]int, len(out))
	for i, kv := range out {
		if k, _, ok := strings.Cut(kv, "="); ok {
			idx[k] = i
		}
	}
	for k, v := range overrides {
		kv := k + "=" + v
		if i, ok := idx[k]; ok {
			out[i] = kv
		} else {
			out = append(out, kv)
		}
	}
	return out
}
