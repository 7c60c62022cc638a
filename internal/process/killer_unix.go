//go:build unix

package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type signalKiller struct {
	sig unix.Signal
}

func newSignalKiller() Killer {
	return signalKiller{sig: unix.SIGKILL}
}

func (k signalKiller) Kill(pid int) error {
	if !ValidPID(pid) {
		return fmt.Errorf("%w: invalid pid %d", ErrTermination, pid)
	}
	if err := unix.Kill(pid, k.sig); err != nil {
		return fmt.Errorf("%w: kill %d: %v", ErrTermination, pid, err)
	}
	return nil
}
