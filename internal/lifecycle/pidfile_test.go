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
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foremand.pid")

	p, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("pidfile not readable: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("pidfile content %q not a pid: %v", data, err)
	}
	if pid != os.Getpid() {
		t.Errorf("pidfile contains %d, want %d", pid, os.Getpid())
	}

	if err := p.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pidfile still exists after Release")
	}
}

func TestAcquireHeldLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foremand.pid")

	p, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer p.Release()

	// flock conflicts between file descriptions, so a second Acquire in
	// the same process sees what a second daemon would.
	_, err = Acquire(path)
	var already *AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("second Acquire() error = %v, want AlreadyRunningError", err)
	}
	if already.PID != os.Getpid() {
		t.Errorf("AlreadyRunningError.PID = %d, want %d", already.PID, os.Getpid())
	}
}

func TestAcquireReplacesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foremand.pid")

	// A pidfile with no lock holder, as a crashed daemon leaves behind.
	if err := os.WriteFile(path, []byte("999999\n"), 0o600); err != nil {
		t.Fatalf("write stale pidfile: %v", err)
	}

	p, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() over stale file error = %v", err)
	}
	defer p.Release()

	data, _ := os.ReadFile(path)
	want := fmt.Sprintf("%d\n", os.Getpid())
	if string(data) != want {
		t.Errorf("pidfile content = %q, want %q", data, want)
	}
}

func TestAcquireRejectsWorldWritableDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shared")
	if err := os.MkdirAll(dir, 0o777); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// TempDir may apply umask; force the mode.
	if err := os.Chmod(dir, 0o777); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	_, err := Acquire(filepath.Join(dir, "foremand.pid"))
	if !errors.Is(err, ErrUnsafeDirectory) {
		t.Errorf("Acquire() error = %v, want ErrUnsafeDirectory", err)
	}
}

func TestReadPid(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(dir, "valid.pid")
		os.WriteFile(path, []byte("12345\n"), 0o600)

		pid, err := ReadPid(path)
		if err != nil {
			t.Fatalf("ReadPid() error = %v", err)
		}
		if pid != 12345 {
			t.Errorf("ReadPid() = %d, want 12345", pid)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.pid")
		os.WriteFile(path, []byte("not-a-pid\n"), 0o600)

		_, err := ReadPid(path)
		if !errors.Is(err, ErrInvalidPid) {
			t.Errorf("ReadPid() error = %v, want ErrInvalidPid", err)
		}
	})

	t.Run("negative", func(t *testing.T) {
		path := filepath.Join(dir, "negative.pid")
		os.WriteFile(path, []byte("-5\n"), 0o600)

		_, err := ReadPid(path)
		if !errors.Is(err, ErrInvalidPid) {
			t.Errorf("ReadPid() error = %v, want ErrInvalidPid", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ReadPid(filepath.Join(dir, "nope.pid"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("ReadPid() error = %v, want os.ErrNotExist", err)
		}
	})
}
