//go:build !windows

package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// setupProcessGroup puts the child in its own process group so the
// entire subtree can be signaled atomically via the negative pgid.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processGroupID returns the process group id for pid, which for a
// freshly-Setpgid child equals its own pid.
func processGroupID(pid int) (int, error) {
	return syscall.Getpgid(pid)
}

// signalProcessGroup maps PAUSE/RESUME/CANCEL onto SIGSTOP/SIGCONT/SIGTERM
// sent to the negative pgid, grounded on cc_executor's control_process.
func signalProcessGroup(pgid int, kind Signal) error {
	if pgid <= 0 {
		return ErrProcessNotFound
	}

	var sig syscall.Signal
	switch kind {
	case SignalPause:
		sig = syscall.SIGSTOP
	case SignalResume:
		sig = syscall.SIGCONT
	case SignalCancel:
		sig = syscall.SIGTERM
	default:
		return fmt.Errorf("unknown signal kind %q", kind)
	}

	if err := syscall.Kill(-pgid, sig); err != nil {
		if err == syscall.ESRCH {
			return ErrProcessNotFound
		}
		return err
	}
	return nil
}

// killProcessTree sends SIGTERM then SIGKILL to the process group, and
// falls back to killing the main pid and any still-discoverable
// children directly in case the group signal didn't reach everything.
func killProcessTree(pid int) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(100 * time.Millisecond)

	_ = syscall.Kill(-pgid, syscall.SIGKILL)

	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}

	killAllChildrenForce(pid)

	go func() {
		time.Sleep(100 * time.Millisecond)
		verifyProcessDead(pid)
	}()
}

// killAllChildrenForce recursively SIGKILLs any children pgrep still
// reports, for the rare case where a child escaped the process group.
func killAllChildrenForce(parentPID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "pgrep", "-P", strconv.Itoa(parentPID))
	output, err := cmd.Output()
	if err != nil {
		return
	}

	lines := strings.TrimSpace(string(output))
	if lines == "" {
		return
	}

	for _, line := range strings.Split(lines, "\n") {
		if childPID, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			killAllChildrenForce(childPID)
			if proc, err := os.FindProcess(childPID); err == nil {
				_ = proc.Kill()
			}
		}
	}
}

// verifyProcessDead force-kills pid and its process group one more
// time if signal 0 still finds it alive after the caller's grace wait.
func verifyProcessDead(pid int) {
	if proc, err := os.FindProcess(pid); err == nil {
		if err := proc.Signal(syscall.Signal(0)); err == nil {
			_ = proc.Kill()
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}
}

// killProcessByPID kills a single process, trying SIGTERM before SIGKILL.
func killProcessByPID(pid int) {
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Signal(syscall.SIGTERM)
		time.Sleep(50 * time.Millisecond)
		if err := proc.Signal(syscall.Signal(0)); err == nil {
			_ = proc.Kill()
		}
	}
}

// ensureProcessDead force-kills pid if it still responds to signal 0.
func ensureProcessDead(pid int) {
	if proc, err := os.FindProcess(pid); err == nil {
		if err := proc.Signal(syscall.Signal(0)); err == nil {
			_ = proc.Kill()
		}
	}
}
