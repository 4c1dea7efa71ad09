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
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

// startSleeper starts a sleep child and reaps it in the background so a
// terminated child does not linger as a zombie (a zombie still answers
// signal 0, which would make Running lie).
func startSleeper(t *testing.T, seconds string) int {
	t.Helper()
	cmd := exec.Command("sleep", seconds)
	if err := cmd.Start(); err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("spawn not permitted in this environment: %v", err)
		}
		t.Fatalf("start sleep process: %v", err)
	}
	go cmd.Wait()
	t.Cleanup(func() { cmd.Process.Kill() })
	return cmd.Process.Pid
}

func TestRunning(t *testing.T) {
	t.Run("current process", func(t *testing.T) {
		if !Running(os.Getpid()) {
			t.Error("Running(os.Getpid()) = false, want true")
		}
	})

	t.Run("nonexistent pid", func(t *testing.T) {
		if Running(999999) {
			t.Error("Running(999999) = true, want false")
		}
	})
}

func TestSignal(t *testing.T) {
	t.Run("running process", func(t *testing.T) {
		pid := startSleeper(t, "60")
		if err := Signal(pid, syscall.Signal(0)); err != nil {
			t.Errorf("Signal() error = %v", err)
		}
	})

	t.Run("nonexistent process", func(t *testing.T) {
		if err := Signal(999999, syscall.SIGTERM); err == nil {
			t.Error("Signal() to nonexistent process succeeded, want error")
		}
	})
}

func TestWaitExit(t *testing.T) {
	t.Run("exited process", func(t *testing.T) {
		cmd := exec.Command("sh", "-c", "exit 0")
		if err := cmd.Start(); err != nil {
			if strings.Contains(err.Error(), "operation not permitted") {
				t.Skipf("spawn not permitted in this environment: %v", err)
			}
			t.Fatalf("start process: %v", err)
		}
		pid := cmd.Process.Pid
		cmd.Wait()

		if err := WaitExit(pid, 2*time.Second); err != nil {
			t.Errorf("WaitExit() error = %v, want nil", err)
		}
	})

	t.Run("long-running process", func(t *testing.T) {
		pid := startSleeper(t, "60")
		err := WaitExit(pid, 200*time.Millisecond)
		if !errors.Is(err, ErrStopTimeout) {
			t.Errorf("WaitExit() error = %v, want ErrStopTimeout", err)
		}
	})
}

func TestStop(t *testing.T) {
	t.Run("graceful", func(t *testing.T) {
		// sleep's default SIGTERM disposition is to terminate.
		pid := startSleeper(t, "60")

		if err := Stop(pid, 5*time.Second, false); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		if Running(pid) {
			t.Error("process still running after Stop")
		}
	})

	t.Run("not running", func(t *testing.T) {
		err := Stop(999999, time.Second, false)
		if !errors.Is(err, ErrNotRunning) {
			t.Errorf("Stop() error = %v, want ErrNotRunning", err)
		}
	})
}

func TestIsForemanProcess(t *testing.T) {
	t.Run("unrelated process", func(t *testing.T) {
		pid := startSleeper(t, "60")
		if IsForemanProcess(pid) {
			t.Error("IsForemanProcess(sleep) = true, want false")
		}
	})

	t.Run("nonexistent process", func(t *testing.T) {
		if IsForemanProcess(999999) {
			t.Error("IsForemanProcess(999999) = true, want false")
		}
	})
}
