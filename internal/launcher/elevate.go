package launcher

import (
	"strings"

	"github.com/OpenListTeam/openlist-desktop-service/internal/catalog"
)

// sudoArgv builds the POSIX elevated argv. -n makes sudo fail instead of
// prompting, so a missing NOPASSWD rule surfaces as an immediate non-zero
// exit rather than a hung child.
func sudoArgv(cfg catalog.ProcessConfig) []string {
	argv := []string{"sudo", "-n", cfg.BinPath}
	return append(argv, cfg.Args...)
}

// powershellArgv builds the Windows elevated argv. Start-Process -Verb RunAs
// triggers the UAC prompt; the spawned handle tracks the PowerShell launcher,
// not the elevated child.
func powershellArgv(cfg catalog.ProcessConfig) []string {
	var b strings.Builder
	b.WriteString("Start-Process -FilePath ")
	b.WriteString(psQuote(cfg.BinPath))
	if len(cfg.Args) > 0 {
		b.WriteString(" -ArgumentList ")
		quoted := make([]string, len(cfg.Args))
		for i, a := range cfg.Args {
			quoted[i] = psQuote(a)
		}
		b.WriteString(strings.Join(quoted, ","))
	}
	if cfg.WorkingDir != "" {
		b.WriteString(" -WorkingDirectory ")
		b.WriteString(psQuote(cfg.WorkingDir))
	}
	b.WriteString(" -Verb RunAs -WindowStyle Hidden -Wait")
	return []string{"powershell", "-NoProfile", "-NonInteractive", "-Command", b.String()}
}

// psQuote single-quotes s for PowerShell. Inside single quotes only the quote
// itself needs escaping (doubled); semicolons, dollars and backticks are
// literal there.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
