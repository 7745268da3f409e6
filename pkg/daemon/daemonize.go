//go:build linux

package daemon

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
)

// EnvDetached marks the re-executed child so it does not detach again.
const EnvDetached = "GATOTRAY_COLLECTOR_DAEMONIZED"

// Detached reports whether this process is the background child started by
// Detach.
func Detached() bool { return os.Getenv(EnvDetached) == "1" }

// Detach starts the running executable again with args in a new session,
// with its working directory at / and stdin, stdout and stderr on the null
// device. It returns the child's pid; the caller is expected to exit 0.
func Detach(args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, errors.Wrap(err, "locate executable")
	}
	return detach(exe, args)
}

func detach(exe string, args []string) (int, error) {
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), EnvDetached+"=1")
	cmd.Dir = "/"
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "start background process")
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, errors.Wrap(err, "release background process")
	}
	return pid, nil
}
