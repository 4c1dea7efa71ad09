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
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestSpawn(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "daemon.log")

	pid, err := Spawn("sh", []string{"-c", "echo spawned; sleep 0.2"}, logPath)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("spawn not permitted in this environment: %v", err)
		}
		t.Fatalf("Spawn() error = %v", err)
	}
	defer syscall.Kill(pid, syscall.SIGKILL)

	if !Running(pid) {
		t.Error("spawned process not running")
	}

	// The child reparents to init, which reaps it; wait for it to finish
	// writing.
	deadline := time.Now().Add(3 * time.Second)
	for Running(pid) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "spawned") {
		t.Errorf("log file missing child output: %q", content)
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "daemon.log")

	_, err := Spawn("/nonexistent/foremand", nil, logPath)
	if err == nil {
		t.Fatal("Spawn() of missing binary succeeded, want error")
	}
}

func TestSpawnCreatesLogDir(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "logs", "daemon.log")

	pid, err := Spawn("sh", []string{"-c", "true"}, logPath)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("spawn not permitted in this environment: %v", err)
		}
		t.Fatalf("Spawn() error = %v", err)
	}
	defer syscall.Kill(pid, syscall.SIGKILL)

	if _, err := os.Stat(filepath.Dir(logPath)); err != nil {
		t.Errorf("log directory not created: %v", err)
	}
}
