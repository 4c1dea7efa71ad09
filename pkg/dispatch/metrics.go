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

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tombee/foreman/pkg/work"
)

var (
	// dispatchSubmits tracks runs accepted into the ledger
	dispatchSubmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_dispatch_submits_total",
			Help: "Total runs accepted by the dispatcher, by kind and trigger",
		},
		[]string{"kind", "trigger"},
	)

	// dispatchSettles tracks terminal transitions recorded by the dispatcher
	dispatchSettles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_dispatch_settled_total",
			Help: "Total runs settled to a terminal status, by status",
		},
		[]string{"status"},
	)

	// dispatchRetries tracks retries scheduled after failures
	dispatchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_dispatch_retries_scheduled_total",
			Help: "Total retry attempts scheduled for failed runs",
		},
	)

	// dispatchDeadLetters tracks runs appended to the dead letter queue
	dispatchDeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_dispatch_dead_letters_total",
			Help: "Total runs dead-lettered after exhausting their retry budget",
		},
	)
)

// recordSubmit counts one accepted submission
func recordSubmit(spec work.Spec) {
	dispatchSubmits.WithLabelValues(string(spec.Kind), string(spec.TriggerSource)).Inc()
}

// recordSettled counts one terminal transition
func recordSettled(status work.Status) {
	dispatchSettles.WithLabelValues(string(status)).Inc()
}

// recordRetryScheduled counts one scheduled retry attempt
func recordRetryScheduled() {
	dispatchRetries.Inc()
}

// recordDeadLetter counts one dead-lettered run
func recordDeadLetter() {
	dispatchDeadLetters.Inc()
}
