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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// schedulerTicks tracks completed evaluation ticks
	schedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_scheduler_ticks_total",
			Help: "Total scheduler evaluation ticks",
		},
	)

	// schedulerFirings tracks firing outcomes per schedule
	schedulerFirings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_scheduler_firings_total",
			Help: "Total schedule firings by schedule name and outcome",
		},
		[]string{"schedule", "outcome"},
	)

	// schedulerDue tracks how many schedules the last tick found due
	schedulerDue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_scheduler_due_schedules",
			Help: "Number of schedules due at the last tick",
		},
	)

	// schedulerTickErrors tracks ticks that failed before firing anything
	schedulerTickErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_scheduler_tick_errors_total",
			Help: "Total ticks that failed to enumerate due schedules",
		},
	)
)

// recordTick increments the tick counter and due gauge
func recordTick(due int) {
	schedulerTicks.Inc()
	schedulerDue.Set(float64(due))
}

// recordFiring increments the firing counter for one outcome
func recordFiring(schedule string, outcome RunStatus) {
	schedulerFirings.WithLabelValues(schedule, string(outcome)).Inc()
}

// recordTickError increments the tick error counter
func recordTickError() {
	schedulerTickErrors.Inc()
}
