//go:build !windows

package launcher

import (
	"syscall"

	"github.com/OpenListTeam/openlist-desktop-service/internal/catalog"
)

func elevatedArgv(cfg catalog.ProcessConfig) []string { return sudoArgv(cfg) }

// Children run in their own process group so signals reach the whole tree,
// sudo-wrapped targets included.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminate(h *Handle) error {
	if err := syscall.Kill(-h.pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func kill(h *Handle) error {
	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
