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

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/work"
)

// ProcessRequest is the JSON document written to the subprocess on stdin.
type ProcessRequest struct {
	RunID         string            `json:"run_id"`
	Handler       string            `json:"handler"`
	Kind          string            `json:"kind"`
	Name          string            `json:"name"`
	Params        map[string]any    `json:"params,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// ProcessReply is the JSON document the subprocess writes to stdout. A
// non-empty Error marks the run failed regardless of exit code.
type ProcessReply struct {
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ProcessConfig configures a Process executor.
type ProcessConfig struct {
	// Command is the argv template. "{handler}" and "{run_id}" are
	// substituted in each element; when no element mentions {handler}
	// the handler key is appended as the final argument.
	Command []string

	// Dir is the working directory. Empty inherits the parent's.
	Dir string

	// Env entries are appended to the parent environment.
	Env []string

	// Timeout bounds one run's wall clock. Zero means unbounded; runs
	// past the timeout finish as TIMED_OUT.
	Timeout time.Duration

	// Name overrides the executor name. Defaults to "process".
	Name string
}

type procTask struct {
	status work.Status
	result map[string]any
	errMsg string
	cancel context.CancelFunc
}

// Process runs each submission as a subprocess speaking JSON over
// stdin/stdout. Handlers are referenced by their stable key only; the
// child process owns resolution and execution. Cancel kills the child.
type Process struct {
	cfg ProcessConfig
	wg  sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*procTask
	closed bool
}

// NewProcess creates a process executor. The command template must not be
// empty.
func NewProcess(cfg ProcessConfig) (*Process, error) {
	if len(cfg.Command) == 0 {
		return nil, &errors.ConfigError{Key: "command", Reason: "process executor needs an argv template"}
	}
	if cfg.Name == "" {
		cfg.Name = "process"
	}
	return &Process{
		cfg:   cfg,
		tasks: make(map[string]*procTask),
	}, nil
}

var (
	_ Executor      = (*Process)(nil)
	_ ResultFetcher = (*Process)(nil)
	_ ErrorFetcher  = (*Process)(nil)
	_ Forgetter     = (*Process)(nil)
	_ Closer        = (*Process)(nil)
)

// Name identifies the executor.
func (e *Process) Name() string { return e.cfg.Name }

// Submit starts the subprocess and returns without waiting for it.
func (e *Process) Submit(_ context.Context, run work.Run) (string, error) {
	request, err := json.Marshal(ProcessRequest{
		RunID:         run.ID,
		Handler:       run.Spec.HandlerKey(),
		Kind:          string(run.Spec.Kind),
		Name:          run.Spec.Name,
		Params:        run.Spec.Params,
		Metadata:      run.Spec.Metadata,
		CorrelationID: run.Spec.CorrelationID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal process request: %w", err)
	}

	refCtx, cancel := context.WithCancel(context.Background())
	task := &procTask{status: work.StatusRunning, cancel: cancel}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", errors.New("process executor is closed")
	}
	e.tasks[run.ID] = task
	e.wg.Add(1)
	e.mu.Unlock()

	execCtx := refCtx
	var timeoutCancel context.CancelFunc
	if e.cfg.Timeout > 0 {
		execCtx, timeoutCancel = context.WithTimeout(refCtx, e.cfg.Timeout)
	}

	argv := e.argv(run)
	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(request)
	cmd.Dir = e.cfg.Dir
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), e.cfg.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	go func() {
		defer e.wg.Done()
		defer cancel()
		if timeoutCancel != nil {
			defer timeoutCancel()
		}

		runErr := cmd.Run()
		e.record(run.ID, e.outcome(execCtx, refCtx, runErr, stdout.Bytes(), stderr.Bytes()))
	}()
	return run.ID, nil
}

// outcome maps a finished subprocess to a terminal state.
func (e *Process) outcome(execCtx, refCtx context.Context, runErr error, stdout, stderr []byte) outcome {
	switch {
	case refCtx.Err() == context.Canceled:
		return outcome{status: work.StatusCancelled, errMsg: "process cancelled"}
	case execCtx.Err() == context.DeadlineExceeded:
		return outcome{
			status: work.StatusTimedOut,
			errMsg: (&errors.TimeoutError{Operation: "process handler", Duration: e.cfg.Timeout}).Error(),
		}
	}

	var reply ProcessReply
	parseErr := json.Unmarshal(bytes.TrimSpace(stdout), &reply)

	if runErr != nil {
		msg := fmt.Sprintf("process exited: %v", runErr)
		if reply.Error != "" {
			msg = reply.Error
		} else if tail := tail(stderr); tail != "" {
			msg += ": " + tail
		}
		return outcome{status: work.StatusFailed, errMsg: msg}
	}
	if parseErr != nil {
		return outcome{status: work.StatusFailed, errMsg: fmt.Sprintf("invalid process reply: %v", parseErr)}
	}
	if reply.Error != "" {
		return outcome{status: work.StatusFailed, result: reply.Result, errMsg: reply.Error}
	}
	return outcome{status: work.StatusCompleted, result: reply.Result}
}

// Cancel kills a live subprocess.
func (e *Process) Cancel(_ context.Context, ref string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[ref]
	if !ok || task.status.Terminal() {
		return false, nil
	}
	task.cancel()
	return true, nil
}

// Status reports the executor's view of the ref.
func (e *Process) Status(_ context.Context, ref string) (work.Status, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[ref]
	if !ok {
		return "", false, nil
	}
	return task.status, true, nil
}

// Result returns the reply result for completed refs.
func (e *Process) Result(_ context.Context, ref string) (map[string]any, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[ref]
	if !ok {
		return nil, false, nil
	}
	return task.result, true, nil
}

// Err returns the recorded error message for failed refs.
func (e *Process) Err(_ context.Context, ref string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[ref]
	if !ok {
		return "", false, nil
	}
	return task.errMsg, true, nil
}

// Forget drops bookkeeping for a finished ref.
func (e *Process) Forget(ref string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if task, ok := e.tasks[ref]; ok && task.status.Terminal() {
		delete(e.tasks, ref)
	}
}

// Close refuses further submissions and waits for children to exit. If ctx
// expires first, the remaining children are killed.
func (e *Process) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		for _, task := range e.tasks {
			if !task.status.Terminal() {
				task.cancel()
			}
		}
		e.mu.Unlock()
		return ctx.Err()
	}
}

// argv substitutes the template for one run. Without a {handler} mention
// the key is appended so the child always learns what to run.
func (e *Process) argv(run work.Run) []string {
	key := run.Spec.HandlerKey()
	args := make([]string, len(e.cfg.Command))
	sawHandler := false
	for i, arg := range e.cfg.Command {
		if strings.Contains(arg, "{handler}") {
			sawHandler = true
		}
		arg = strings.ReplaceAll(arg, "{handler}", key)
		arg = strings.ReplaceAll(arg, "{run_id}", run.ID)
		args[i] = arg
	}
	if !sawHandler {
		args = append(args, key)
	}
	return args
}

func (e *Process) record(ref string, o outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[ref]
	if !ok {
		return
	}
	task.status = o.status
	task.result = o.result
	task.errMsg = o.errMsg
}

// tail returns the last stderr fragment for error messages.
func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	const max = 512
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
