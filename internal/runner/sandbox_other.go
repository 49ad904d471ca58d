//go:build !unix

package runner

import "os/exec"

func configureProcess(*exec.Cmd) {}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func exitCode(exitErr *exec.ExitError) int {
	return exitErr.ExitCode()
}
