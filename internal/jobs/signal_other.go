//go:build !unix

package jobs

import "os/exec"

func signalName(*exec.ExitError) string {
	return "signal"
}
