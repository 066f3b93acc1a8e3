//go:build darwin

package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// StaleInstanceRunning 用 pgrep 查找同一 bundle id 的其它进程。
func StaleInstanceRunning(bundleID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pgrep", "-x", "-f", bundleID).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, err
	}
	return otherPIDs(string(out), os.Getpid()), nil
}

func otherPIDs(out string, self int) bool {
	for _, line := range strings.Fields(out) {
		pid, err := strconv.Atoi(line)
		if err == nil && pid != self {
			return true
		}
	}
	return false
}
