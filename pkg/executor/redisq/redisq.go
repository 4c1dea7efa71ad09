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

// Package redisq moves runs through Redis lists so handler fleets in other
// processes can execute them. The submitting side LPUSHes one envelope per
// run onto its lane's list; consumers BRPOP, honor the revoke set and report
// outcomes through a status hash the submitting side reads back. One list
// per lane; a consumer watching several lanes serves them in the order they
// are listed.
package redisq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/executor"
	"github.com/tombee/foreman/pkg/work"
)

var (
	_ executor.Executor      = (*Executor)(nil)
	_ executor.ResultFetcher = (*Executor)(nil)
	_ executor.ErrorFetcher  = (*Executor)(nil)
	_ executor.Forgetter     = (*Executor)(nil)
)

// DefaultPrefix namespaces every Redis key the package touches.
const DefaultPrefix = "foreman"

// Envelope is the JSON document carried on the queue list, one per run.
type Envelope struct {
	RunID         string            `json:"run_id"`
	Handler       string            `json:"handler"`
	Params        map[string]any    `json:"params,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Priority      string            `json:"priority,omitempty"`
	Lane          string            `json:"lane,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
}

// statusDoc is the per-run value stored in the status hash.
type statusDoc struct {
	Status    work.Status    `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func queueKey(prefix, lane string) string {
	if lane == "" {
		lane = work.DefaultLane
	}
	return prefix + ":queue:" + lane
}

func revokedKey(prefix string) string { return prefix + ":revoked" }
func statusKey(prefix string) string  { return prefix + ":status" }

// Config configures the submitting side.
type Config struct {
	// Client is the shared Redis connection. Required; the caller owns
	// its lifecycle.
	Client *redis.Client

	// Prefix namespaces the queue keys. Defaults to DefaultPrefix.
	Prefix string
}

// Executor submits runs to Redis-backed consumers. Cancellation is
// cooperative: Cancel adds the ref to a revoke set that consumers check
// before starting a popped run.
type Executor struct {
	client *redis.Client
	prefix string
}

// NewExecutor creates a Redis queue executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Client == nil {
		return nil, &errors.ConfigError{Key: "redis.client", Reason: "redis queue executor needs a client"}
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	return &Executor{client: cfg.Client, prefix: cfg.Prefix}, nil
}

// Name identifies the executor.
func (e *Executor) Name() string { return "redis" }

// Submit enqueues one envelope on the run's lane and seeds the status hash
// with QUEUED. The run ID doubles as the external ref.
func (e *Executor) Submit(ctx context.Context, run work.Run) (string, error) {
	env := Envelope{
		RunID:         run.ID,
		Handler:       run.Spec.HandlerKey(),
		Params:        run.Spec.Params,
		Metadata:      run.Spec.Metadata,
		CorrelationID: run.Spec.CorrelationID,
		Priority:      string(run.Spec.Priority),
		Lane:          run.Spec.Lane,
		EnqueuedAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", errors.Wrapf(err, "marshal envelope for run %s", run.ID)
	}
	doc, err := json.Marshal(statusDoc{Status: work.StatusQueued, UpdatedAt: env.EnqueuedAt})
	if err != nil {
		return "", errors.Wrapf(err, "marshal status for run %s", run.ID)
	}

	pipe := e.client.TxPipeline()
	pipe.HSet(ctx, statusKey(e.prefix), run.ID, doc)
	pipe.LPush(ctx, queueKey(e.prefix, run.Spec.Lane), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.Wrapf(err, "enqueue run %s", run.ID)
	}
	return run.ID, nil
}

// Cancel records the ref in the revoke set. Consumers drop revoked refs
// when they pop them; a run already executing remotely finishes anyway.
func (e *Executor) Cancel(ctx context.Context, ref string) (bool, error) {
	if err := e.client.SAdd(ctx, revokedKey(e.prefix), ref).Err(); err != nil {
		return false, errors.Wrapf(err, "revoke run %s", ref)
	}
	return true, nil
}

// Status reads the consumer-maintained status hash.
func (e *Executor) Status(ctx context.Context, ref string) (work.Status, bool, error) {
	doc, ok, err := e.status(ctx, ref)
	if err != nil || !ok {
		return "", ok, err
	}
	return doc.Status, true, nil
}

// Result returns the recorded result once a consumer finished the run.
func (e *Executor) Result(ctx context.Context, ref string) (map[string]any, bool, error) {
	doc, ok, err := e.status(ctx, ref)
	if err != nil || !ok {
		return nil, ok, err
	}
	return doc.Result, doc.Status.Terminal(), nil
}

// Err returns the recorded error message.
func (e *Executor) Err(ctx context.Context, ref string) (string, bool, error) {
	doc, ok, err := e.status(ctx, ref)
	if err != nil || !ok {
		return "", ok, err
	}
	return doc.Error, doc.Status.Terminal(), nil
}

// Forget removes the ref's status entry and any pending revocation.
func (e *Executor) Forget(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pipe := e.client.TxPipeline()
	pipe.HDel(ctx, statusKey(e.prefix), ref)
	pipe.SRem(ctx, revokedKey(e.prefix), ref)
	_, _ = pipe.Exec(ctx)
}

// Depth returns the number of envelopes waiting on a lane.
func (e *Executor) Depth(ctx context.Context, lane string) (int64, error) {
	return e.client.LLen(ctx, queueKey(e.prefix, lane)).Result()
}

func (e *Executor) status(ctx context.Context, ref string) (statusDoc, bool, error) {
	raw, err := e.client.HGet(ctx, statusKey(e.prefix), ref).Result()
	if err == redis.Nil {
		return statusDoc{}, false, nil
	}
	if err != nil {
		return statusDoc{}, false, errors.Wrapf(err, "read status for run %s", ref)
	}
	var doc statusDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return statusDoc{}, false, errors.Wrapf(err, "decode status for run %s", ref)
	}
	return doc, true, nil
}
