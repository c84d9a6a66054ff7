package iface

import (
	"os"
	"os/exec"
)

// ipCandidates lists the paths find_ip_cmd() probes, in order, including
// the Termux prefix for servers running under Android's Termux app.
var ipCandidates = []string{
	"/bin/ip",
	"/sbin/ip",
	"/usr/bin/ip",
	"/usr/sbin/ip",
	"/usr/local/bin/ip",
	"/usr/local/sbin/ip",
	"/data/data/com.termux/files/usr/bin/ip",
}

// findIPCmd returns the first candidate path that exists and is
// executable, falling back to a bare "ip" for exec.LookPath to resolve
// against $PATH if none of the candidates match.
func findIPCmd() string {
	for _, candidate := range ipCandidates {
		if info, err := os.Stat(candidate); err == nil && info.Mode()&0o111 != 0 {
			return candidate
		}
	}
	return "ip"
}

// ExecCommander runs external commands via os/exec, combining stdout and
// stderr so `ip`'s error output ends up in the wrapped error.
type ExecCommander struct{}

// NewExecCommander returns the default Commander.
func NewExecCommander() Commander {
	return &ExecCommander{}
}

// Run resolves name via findIPCmd when it is "ip", matching the small
// path-list search the rest of this stack performs for the ip binary;
// any other command name is left for $PATH to resolve.
func (ExecCommander) Run(name string, args ...string) ([]byte, error) {
	if name == "ip" {
		name = findIPCmd()
	}
	return exec.Command(name, args...).CombinedOutput()
}
