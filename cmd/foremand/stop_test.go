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

package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestStopCommandFlags(t *testing.T) {
	cmd := newStopCommand()

	for _, name := range []string{"pidfile", "timeout", "force"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("stop command is missing flag %q", name)
		}
	}
}

func TestRunStopNoPidfile(t *testing.T) {
	cmd := newStopCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)

	err := runStop(cmd, stopOptions{
		pidfile: filepath.Join(t.TempDir(), "absent.pid"),
		timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("runStop() error = %v", err)
	}
	if !strings.Contains(out.String(), "not running") {
		t.Errorf("expected 'not running' message, got %q", out.String())
	}
}

func TestRunStopStalePidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.pid")
	if err := os.WriteFile(path, []byte("999999\n"), 0o600); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}

	cmd := newStopCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)

	err := runStop(cmd, stopOptions{pidfile: path, timeout: time.Second})
	if err != nil {
		t.Fatalf("runStop() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stale pidfile was not removed")
	}
}

func TestRunStopRefusesForeignProcess(t *testing.T) {
	// A live process that is not foremand: stop must refuse to signal it.
	sleeper := exec.Command("sleep", "60")
	if err := sleeper.Start(); err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("spawn not permitted in this environment: %v", err)
		}
		t.Fatalf("start sleep process: %v", err)
	}
	go sleeper.Wait()
	defer sleeper.Process.Kill()

	path := filepath.Join(t.TempDir(), "foreign.pid")
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", sleeper.Process.Pid)), 0o600); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}

	cmd := newStopCommand()
	cmd.SetOut(&bytes.Buffer{})

	err := runStop(cmd, stopOptions{pidfile: path, timeout: time.Second})
	if err == nil || !strings.Contains(err.Error(), "refusing") {
		t.Fatalf("runStop() error = %v, want refusal", err)
	}

	// The sleeper must still be alive.
	if err := sleeper.Process.Signal(syscall.Signal(0)); err != nil {
		t.Errorf("sleeper is gone after refused stop: %v", err)
	}
}
