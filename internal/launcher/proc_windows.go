//go:build windows

package launcher

import (
	"os/exec"
	"strconv"
	"syscall"

	"github.com/OpenListTeam/openlist-desktop-service/internal/catalog"
)

func elevatedArgv(cfg catalog.ProcessConfig) []string { return powershellArgv(cfg) }

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminate: children have no console (output is redirected to the log file),
// so Ctrl+Break cannot reach them; TerminateProcess is the polite path for
// normal children. Elevated children run behind the PowerShell launcher, so
// only taskkill /T has a chance of reaching the real target tree.
func terminate(h *Handle) error {
	if h.elevated {
		return exec.Command("taskkill", "/PID", strconv.Itoa(h.pid), "/T").Run()
	}
	return h.cmd.Process.Kill()
}

func kill(h *Handle) error {
	if h.elevated {
		return exec.Command("taskkill", "/PID", strconv.Itoa(h.pid), "/T", "/F").Run()
	}
	return h.cmd.Process.Kill()
}
