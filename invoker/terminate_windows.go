//go:build windows

package invoker

import "os"

// terminate kills the process, Windows has no SIGTERM
func terminate(p *os.Process) error {
	return p.Kill()
}
