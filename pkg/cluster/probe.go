package cluster

import (
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessProbe checks pids against the host process table.
type ProcessProbe struct{}

// Exists reports whether pid is running. Lookup failures count as running
// so that only heartbeat age decides.
func (ProcessProbe) Exists(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return ok
}
