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

package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/handler"
	"github.com/tombee/foreman/pkg/work"
)

// DefaultPopTimeout bounds each BRPOP so shutdown is responsive even when
// the queue is idle.
const DefaultPopTimeout = 2 * time.Second

// ConsumerConfig configures one consuming loop.
type ConsumerConfig struct {
	// Client is the shared Redis connection. Required.
	Client *redis.Client

	// Registry resolves handlers. Nil uses the process default.
	Registry *handler.Registry

	// Prefix must match the submitting side. Defaults to DefaultPrefix.
	Prefix string

	// Lanes to serve, highest priority first. Defaults to the default
	// lane only.
	Lanes []string

	// WorkerID identifies this consumer in status records and logs.
	// Defaults to a generated id.
	WorkerID string

	// PopTimeout bounds each blocking pop. Defaults to DefaultPopTimeout.
	PopTimeout time.Duration

	// HandlerTimeout bounds one run. Zero means unbounded.
	HandlerTimeout time.Duration

	// Logger defaults to a JSON logger on stderr.
	Logger *slog.Logger
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Registry == nil {
		c.Registry = handler.Default()
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if len(c.Lanes) == 0 {
		c.Lanes = []string{work.DefaultLane}
	}
	if c.WorkerID == "" {
		c.WorkerID = "redisq-" + uuid.New().String()[:8]
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = DefaultPopTimeout
	}
	if c.Logger == nil {
		c.Logger = log.New(nil)
	}
	return c
}

// Consumer pops envelopes and runs their handlers, one at a time. Run one
// Consumer per desired concurrent slot; BRPOP spreads envelopes across
// consumers sharing a lane.
type Consumer struct {
	cfg    ConsumerConfig
	keys   []string
	logger *slog.Logger
}

// NewConsumer creates a consumer for the configured lanes.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Client == nil {
		return nil, &errors.ConfigError{Key: "redis.client", Reason: "redis queue consumer needs a client"}
	}
	cfg = cfg.withDefaults()
	keys := make([]string, len(cfg.Lanes))
	for i, lane := range cfg.Lanes {
		keys[i] = queueKey(cfg.Prefix, lane)
	}
	return &Consumer{
		cfg:    cfg,
		keys:   keys,
		logger: log.WithWorker(log.WithComponent(cfg.Logger, "redisq"), cfg.WorkerID),
	}, nil
}

// WorkerID returns the consumer's identity.
func (c *Consumer) WorkerID() string { return c.cfg.WorkerID }

// Run blocks popping envelopes until ctx is cancelled. Transient pop errors
// are logged and retried; the loop only exits with the context.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started", "lanes", c.cfg.Lanes)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping")
			return ctx.Err()
		default:
		}

		vals, err := c.cfg.Client.BRPop(ctx, c.cfg.PopTimeout, c.keys...).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping")
				return ctx.Err()
			}
			c.logger.Error("queue pop failed", log.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(vals) < 2 {
			continue
		}
		c.handle(ctx, vals[1])
	}
}

func (c *Consumer) handle(ctx context.Context, payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		c.logger.Error("discarding malformed envelope", log.Error(err))
		return
	}
	logger := log.WithRunContext(c.logger, env.RunID, env.Handler)
	log.Trace(logger, "envelope popped", log.Attr("params", env.Params))

	if c.revoked(ctx, env.RunID) {
		c.setStatus(ctx, env.RunID, statusDoc{
			Status: work.StatusCancelled,
			Error:  "revoked before start",
		})
		logger.Info("run revoked before start")
		return
	}

	fn, err := c.cfg.Registry.Resolve(env.Handler)
	if err != nil {
		c.setStatus(ctx, env.RunID, statusDoc{
			Status: work.StatusFailed,
			Error:  err.Error(),
		})
		logger.Error("no handler for envelope", log.Error(err))
		return
	}

	c.setStatus(ctx, env.RunID, statusDoc{Status: work.StatusRunning})

	runCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.HandlerTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.HandlerTimeout)
		defer cancel()
	}

	start := time.Now()
	value, err := invoke(runCtx, fn, env.Params)
	elapsed := time.Since(start)

	doc := statusDoc{}
	switch {
	case err == nil:
		doc.Status = work.StatusCompleted
		doc.Result = resultMap(value)
	case errors.Is(err, context.DeadlineExceeded):
		doc.Status = work.StatusTimedOut
		doc.Error = (&errors.TimeoutError{Operation: "handler", Duration: c.cfg.HandlerTimeout}).Error()
	case errors.Is(err, context.Canceled):
		doc.Status = work.StatusCancelled
		doc.Error = err.Error()
	default:
		doc.Status = work.StatusFailed
		doc.Error = err.Error()
	}
	c.setStatus(ctx, env.RunID, doc)
	logger.Info("run finished",
		"status", string(doc.Status),
		log.Duration(log.DurationKey, elapsed),
	)
}

// revoked checks and clears the revoke flag for a run. Errors read as not
// revoked; a false negative just means the handler runs.
func (c *Consumer) revoked(ctx context.Context, runID string) bool {
	member, err := c.cfg.Client.SIsMember(ctx, revokedKey(c.cfg.Prefix), runID).Result()
	if err != nil || !member {
		return false
	}
	c.cfg.Client.SRem(ctx, revokedKey(c.cfg.Prefix), runID)
	return true
}

func (c *Consumer) setStatus(ctx context.Context, runID string, doc statusDoc) {
	doc.WorkerID = c.cfg.WorkerID
	doc.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(doc)
	if err != nil {
		c.logger.Error("marshal status failed", log.String(log.RunIDKey, runID), log.Error(err))
		return
	}
	// Status writes survive a cancelled run context; otherwise the final
	// outcome of a cancelled handler would never land in the hash.
	writeCtx := ctx
	if writeCtx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := c.cfg.Client.HSet(writeCtx, statusKey(c.cfg.Prefix), runID, raw).Err(); err != nil {
		c.logger.Error("record status failed", log.String(log.RunIDKey, runID), log.Error(err))
	}
}

// invoke runs a handler with panic containment, so one bad handler cannot
// take the consumer down with it.
func invoke(ctx context.Context, fn handler.Handler, params map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx, params)
}

// resultMap coerces a handler return value into the stored result shape.
func resultMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"output": v}
}
