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
	"reflect"
	"testing"
)

func TestStartCommandFlags(t *testing.T) {
	cmd := newStartCommand()

	for _, name := range []string{"config", "listen", "store", "dsn", "schedule-file", "pidfile", "log-file", "timeout"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("start command is missing flag %q", name)
		}
	}
}

func TestRestartCommandFlags(t *testing.T) {
	cmd := newRestartCommand()

	for _, name := range []string{"config", "pidfile", "timeout", "stop-timeout", "force"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("restart command is missing flag %q", name)
		}
	}
}

func TestBuildServeArgs(t *testing.T) {
	t.Run("minimal", func(t *testing.T) {
		got := buildServeArgs(startOptions{}, "/run/foremand.pid")
		want := []string{"serve", "--pidfile", "/run/foremand.pid"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("buildServeArgs() = %v, want %v", got, want)
		}
	})

	t.Run("forwards set flags", func(t *testing.T) {
		opts := startOptions{
			configPath:   "/etc/foreman/config.yaml",
			listenAddr:   ":9000",
			storeBackend: "sqlite",
			scheduleFile: "/etc/foreman/schedules.yaml",
		}
		got := buildServeArgs(opts, "/run/foremand.pid")
		want := []string{
			"serve", "--pidfile", "/run/foremand.pid",
			"--config", "/etc/foreman/config.yaml",
			"--listen", ":9000",
			"--store", "sqlite",
			"--schedule-file", "/etc/foreman/schedules.yaml",
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("buildServeArgs() = %v, want %v", got, want)
		}
	})
}

func TestHealthBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://127.0.0.1:8080"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{"[::]:8080", "http://127.0.0.1:8080"},
		{"127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"daemon.internal:8080", "http://daemon.internal:8080"},
	}

	for _, tt := range tests {
		if got := healthBaseURL(tt.addr); got != tt.want {
			t.Errorf("healthBaseURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
