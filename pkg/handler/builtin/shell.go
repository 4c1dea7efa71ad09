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

package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

// ShellConfig holds configuration for the shell.run handler.
type ShellConfig struct {
	// WorkingDir is the default working directory for commands.
	WorkingDir string

	// Timeout bounds a single command (default 30s).
	Timeout time.Duration

	// AllowedCommands restricts which argv[0] values may run. Empty allows
	// everything, which is only sane in trusted deployments.
	AllowedCommands []string
}

// Shell runs commands in subprocesses. It is never registered by
// RegisterAll; use RegisterShell to opt in.
type Shell struct {
	config ShellConfig
}

// NewShell creates the handler with defaults filled in.
func NewShell(config *ShellConfig) *Shell {
	cfg := ShellConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Shell{config: cfg}
}

// RegisterShell registers shell.run on reg with the given config.
func RegisterShell(reg *handler.Registry, config *ShellConfig) error {
	return reg.Register(work.KindTask, "shell.run", NewShell(config).Run,
		handler.WithDescription("runs a command in a subprocess"),
		handler.WithTags("builtin", "shell"))
}

// Run executes params["command"], a string (run via sh -c) or an argv array
// (run directly). stdout, stderr and the exit code come back in the result;
// a non-zero exit is a handler failure.
func (s *Shell) Run(ctx context.Context, params map[string]any) (any, error) {
	cmd, cancel, err := s.buildCommand(ctx, params)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if s.config.WorkingDir != "" {
		cmd.Dir = s.config.WorkingDir
	}
	if dir, ok := params["dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	if env, ok := params["env"].(map[string]any); ok {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = runErr.Error()
		}
		return map[string]any{
			"stdout":      strings.TrimSpace(stdout.String()),
			"stderr":      strings.TrimSpace(stderr.String()),
			"exit_code":   exitCode,
			"duration_ms": duration.Milliseconds(),
		}, fmt.Errorf("command failed: %s", errMsg)
	}

	return map[string]any{
		"stdout":      strings.TrimSpace(stdout.String()),
		"stderr":      strings.TrimSpace(stderr.String()),
		"exit_code":   0,
		"duration_ms": duration.Milliseconds(),
	}, nil
}

func (s *Shell) buildCommand(ctx context.Context, params map[string]any) (*exec.Cmd, context.CancelFunc, error) {
	timeout := s.config.Timeout
	if t, ok := params["timeout"].(string); ok && t != "" {
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid timeout %q: %w", t, err)
		}
		timeout = parsed
	}
	// CommandContext kills the process when the deadline expires.
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	raw, ok := params["command"]
	if !ok {
		cancel()
		return nil, nil, fmt.Errorf("'command' is required")
	}

	switch v := raw.(type) {
	case string:
		if err := s.checkAllowed("sh"); err != nil {
			cancel()
			return nil, nil, err
		}
		return exec.CommandContext(runCtx, "sh", "-c", v), cancel, nil
	case []any:
		if len(v) == 0 {
			cancel()
			return nil, nil, fmt.Errorf("command array is empty")
		}
		args := make([]string, len(v))
		for i, a := range v {
			args[i] = fmt.Sprintf("%v", a)
		}
		if err := s.checkAllowed(args[0]); err != nil {
			cancel()
			return nil, nil, err
		}
		return exec.CommandContext(runCtx, args[0], args[1:]...), cancel, nil
	case []string:
		if len(v) == 0 {
			cancel()
			return nil, nil, fmt.Errorf("command array is empty")
		}
		if err := s.checkAllowed(v[0]); err != nil {
			cancel()
			return nil, nil, err
		}
		return exec.CommandContext(runCtx, v[0], v[1:]...), cancel, nil
	default:
		cancel()
		return nil, nil, fmt.Errorf("command must be string or array, got %T", raw)
	}
}

func (s *Shell) checkAllowed(name string) error {
	if len(s.config.AllowedCommands) == 0 {
		return nil
	}
	for _, allowed := range s.config.AllowedCommands {
		if allowed == name {
			return nil
		}
	}
	return fmt.Errorf("command %q is not in the allowed list", name)
}
