package process

import (
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// Killer forcibly terminates a process by PID. It works on any process, not
// only ones started through this package.
type Killer interface {
	Kill(pid int) error
}

// ValidPID reports whether pid names a single process. Zero and negative
// values address process groups or every process, and anything above
// math.MaxInt32 wraps into that range as a pid_t.
func ValidPID(pid int) bool {
	return pid > 0 && pid <= math.MaxInt32
}

// NewKiller selects the kill strategy for goos once, at startup.
func NewKiller(goos string) Killer {
	if goos == "windows" {
		return &CommandKiller{Name: "taskkill", Args: []string{"/F", "/PID"}}
	}
	return newSignalKiller()
}

// CommandKiller runs an external command with the PID appended.
type CommandKiller struct {
	Name string
	Args []string
}

func (k *CommandKiller) Kill(pid int) error {
	if !ValidPID(pid) {
		return fmt.Errorf("%w: invalid pid %d", ErrTermination, pid)
	}
	args := append(append([]string{}, k.Args...), strconv.Itoa(pid))
	out, err := exec.Command(k.Name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s %d: %v: %s", ErrTermination, k.Name, pid, err, strings.TrimSpace(string(out)))
	}
	return nil
}
