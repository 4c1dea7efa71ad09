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

package daemon

import (
	"context"
	"time"

	"github.com/tombee/foreman/internal/log"
)

// sweepTimeout bounds one maintenance pass. Retention deletes batch over
// indexed timestamp columns, so a pass taking longer than this means the
// store is in trouble and the next tick can retry.
const sweepTimeout = time.Minute

// sweep periodically deletes expired state: terminal runs past the run
// retention, resolved dead letters past the DLQ retention, and expired
// concurrency holds.
func (d *Daemon) sweep(ctx context.Context) {
	defer close(d.sweepDone)

	ticker := time.NewTicker(d.cfg.Maintenance.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx)
		}
	}
}

func (d *Daemon) sweepOnce(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	if n, err := d.led.CleanupOlderThan(opCtx, d.cfg.Maintenance.RunRetention); err != nil {
		d.logger.Warn("run retention sweep failed", log.Error(err))
	} else if n > 0 {
		d.logger.Info("swept expired runs", log.Int("deleted", n))
	}

	if n, err := d.letters.CleanupResolved(opCtx, d.cfg.Maintenance.DLQRetention); err != nil {
		d.logger.Warn("dead letter retention sweep failed", log.Error(err))
	} else if n > 0 {
		d.logger.Info("swept resolved dead letters", log.Int("deleted", n))
	}

	if n, err := d.grd.CleanupExpired(opCtx); err != nil {
		d.logger.Warn("expired hold sweep failed", log.Error(err))
	} else if n > 0 {
		d.logger.Info("swept expired holds", log.Int("deleted", n))
	}
}
