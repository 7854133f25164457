//go:build !unix

package exec

import "os/exec"

func killGroupOnCancel(cmd *exec.Cmd) {}
