//go:build !unix

package cluster

import "os/exec"

func detach(cmd *exec.Cmd) {}
