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

package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// workerClaims tracks claim attempts against the ledger
	workerClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_worker_claims_total",
			Help: "Total claim attempts, by outcome",
		},
		[]string{"outcome"},
	)

	// workerExecutions tracks finished executions
	workerExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_worker_executions_total",
			Help: "Total finished executions, by result",
		},
		[]string{"result"},
	)

	// workerInFlight tracks runs currently executing
	workerInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_worker_inflight_runs",
			Help: "Runs currently executing in this process",
		},
	)

	// workerDuration tracks handler execution time
	workerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_worker_execution_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// recordClaim counts one claim attempt
func recordClaim(outcome string) {
	workerClaims.WithLabelValues(outcome).Inc()
}

// recordExecution counts one finished execution
func recordExecution(result string) {
	workerExecutions.WithLabelValues(result).Inc()
}

// recordDuration observes one handler execution time
func recordDuration(d time.Duration) {
	workerDuration.Observe(d.Seconds())
}
