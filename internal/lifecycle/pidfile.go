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
	"syscall"
)

var (
	// ErrInvalidPid is returned when a pidfile contains non-numeric or
	// non-positive data.
	ErrInvalidPid = errors.New("invalid pid in pidfile")

	// ErrUnsafeDirectory is returned when the pidfile parent directory is
	// world-writable. A world-writable parent lets anyone plant a symlink
	// where the pidfile goes.
	ErrUnsafeDirectory = errors.New("pidfile directory is world-writable")
)

// AlreadyRunningError is returned by Acquire when another live process
// holds the pidfile lock.
type AlreadyRunningError struct {
	PID  int
	Path string
}

func (e *AlreadyRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("foremand already running (pid %d, pidfile %s)", e.PID, e.Path)
	}
	return fmt.Sprintf("foremand already running (pidfile %s)", e.Path)
}

// Pidfile pins one foremand instance per path. The file stays flocked for
// the life of the holding process, so the lock doubles as the liveness
// signal: files left behind by a crashed daemon lock cleanly and are
// replaced on the next Acquire.
type Pidfile struct {
	path string
	f    *os.File
}

// Acquire claims the pidfile at path for the current process, writing its
// PID under an exclusive flock. Stale files are replaced; a file locked by
// a live process yields *AlreadyRunningError.
func Acquire(path string) (*Pidfile, error) {
	dir := filepath.Dir(path)
	if err := checkDirSafety(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create pidfile directory: %w", err)
	}

	// O_EXCL on the fresh-create path and O_NOFOLLOW on the reopen path
	// keep symlinks planted at our path from redirecting the write.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create pidfile: %w", err)
		}
		f, err = os.OpenFile(path, os.O_RDWR|syscall.O_NOFOLLOW, 0)
		if err != nil {
			return nil, fmt.Errorf("open pidfile: %w", err)
		}
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid, _ := readPidLocked(f)
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, &AlreadyRunningError{PID: pid, Path: path}
		}
		return nil, fmt.Errorf("lock pidfile: %w", err)
	}

	p := &Pidfile{path: path, f: f}
	if err := p.write(); err != nil {
		p.Release()
		return nil, fmt.Errorf("write pidfile: %w", err)
	}
	return p, nil
}

func (p *Pidfile) write() error {
	if err := p.f.Truncate(0); err != nil {
		return err
	}
	if _, err := p.f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(p.f, "%d\n", os.Getpid()); err != nil {
		return err
	}
	return p.f.Sync()
}

// Path returns the pidfile location.
func (p *Pidfile) Path() string {
	return p.path
}

// Release removes the pidfile and drops the lock. Safe to call once the
// process is done serving; after a crash the lock lapses on its own.
func (p *Pidfile) Release() error {
	if p.f == nil {
		return nil
	}
	// Remove before unlocking so no window exists where the file is
	// unlocked but still present.
	rmErr := os.Remove(p.path)
	syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
	closeErr := p.f.Close()
	p.f = nil

	if rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("remove pidfile: %w", rmErr)
	}
	return closeErr
}

// ReadPid reads the process ID recorded at path. Returns os.ErrNotExist
// when there is no pidfile and ErrInvalidPid on garbage content.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return parsePid(string(data))
}

func readPidLocked(f *os.File) (int, error) {
	buf := make([]byte, 64)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0, err
	}
	return parsePid(string(buf[:n]))
}

func parsePid(s string) (int, error) {
	s = strings.TrimSpace(s)
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPid, s)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPid, pid)
	}
	return pid, nil
}

func checkDirSafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		// Not existing yet is fine, MkdirAll creates it 0700.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat pidfile directory: %w", err)
	}
	if info.Mode()&0o002 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, info.Mode()&os.ModePerm)
	}
	return nil
}
