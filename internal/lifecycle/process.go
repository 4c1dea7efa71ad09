// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

var (
	// ErrNotRunning is returned when the target process does not exist.
	ErrNotRunning = errors.New("process not running")

	// ErrStopTimeout is returned when the process outlives the shutdown
	// timeout.
	ErrStopTimeout = errors.New("process did not exit before the timeout")
)

// Running reports whether a process with the given PID exists. Signal 0
// probes existence without delivering anything.
func Running(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// IsForemanProcess reports whether the PID belongs to a foremand binary.
// Stop refuses to signal anything else, so a stale pidfile whose PID was
// recycled by an unrelated process cannot get that process killed.
func IsForemanProcess(pid int) bool {
	return isForemanProcess(pid)
}

// Signal delivers sig to the process.
func Signal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal %v to process %d: %w", sig, pid, err)
	}
	return nil
}

// WaitExit polls until the process is gone or the timeout lapses. It
// always checks at least once, so a zero timeout is a single probe.
func WaitExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if !Running(pid) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrStopTimeout
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Stop sends SIGTERM and waits for the process to exit. With force set, a
// process that survives the timeout gets SIGKILL.
func Stop(pid int, timeout time.Duration, force bool) error {
	if !Running(pid) {
		return ErrNotRunning
	}

	if err := Signal(pid, syscall.SIGTERM); err != nil {
		return err
	}

	err := WaitExit(pid, timeout)
	if err == nil || !force {
		return err
	}

	if err := Signal(pid, syscall.SIGKILL); err != nil {
		// The process may have exited between the wait and the kill.
		if !Running(pid) {
			return nil
		}
		return err
	}
	if err := WaitExit(pid, 5*time.Second); err != nil {
		return fmt.Errorf("process %d survived SIGKILL: %w", pid, err)
	}
	return nil
}
