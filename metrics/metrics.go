// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package metrics holds the process-global counters described in
// spec.md §9: "Metrics counters are per-process, initialized at
// startup, never destroyed. They are the only legitimate process-global
// state; everything else is tied to a database handle."
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// TxBegun counts transactions started, split by read/write.
	TxBegun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stdb",
		Subsystem: "txn",
		Name:      "begun_total",
		Help:      "Number of transactions begun.",
	}, []string{"mode"})

	// TxCommitted counts committed transactions.
	TxCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stdb",
		Subsystem: "txn",
		Name:      "committed_total",
		Help:      "Number of transactions successfully committed.",
	})

	// TxWriteSkew counts commits rejected for write-skew.
	TxWriteSkew = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stdb",
		Subsystem: "txn",
		Name:      "write_skew_total",
		Help:      "Number of commits rejected with write_skew.",
	})

	// TxRolledBack counts rollbacks (explicit or dropped handles).
	TxRolledBack = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stdb",
		Subsystem: "txn",
		Name:      "rolled_back_total",
		Help:      "Number of transactions rolled back.",
	})

	// VacuumRuns counts opportunistic vacuum passes.
	VacuumRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stdb",
		Subsystem: "txn",
		Name:      "vacuum_runs_total",
		Help:      "Number of vacuum/squash passes performed.",
	})

	// LogAppends counts commit-log append_tx calls, split by fsync outcome.
	LogAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stdb",
		Subsystem: "commitlog",
		Name:      "appends_total",
		Help:      "Number of commit records appended to the log.",
	}, []string{"result"})

	// LogSegmentsRotated counts segment rotations.
	LogSegmentsRotated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stdb",
		Subsystem: "commitlog",
		Name:      "segments_rotated_total",
		Help:      "Number of times the commit log rotated to a new segment.",
	})

	// ReplayTruncations counts corrupt-tail truncations observed during replay.
	ReplayTruncations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stdb",
		Subsystem: "commitlog",
		Name:      "replay_truncations_total",
		Help:      "Number of times replay truncated a corrupt log tail.",
	})

	// BlobPuts counts blob store insertions, split by dedup outcome.
	BlobPuts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stdb",
		Subsystem: "blob",
		Name:      "puts_total",
		Help:      "Number of blob store Put calls.",
	}, []string{"outcome"})

	// PagesAllocated counts pages drawn from the shared pool.
	PagesAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stdb",
		Subsystem: "page",
		Name:      "allocated_total",
		Help:      "Number of pages reserved from the page pool.",
	})

	// MigrationPlans counts planner invocations, split by outcome.
	MigrationPlans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stdb",
		Subsystem: "migrate",
		Name:      "plans_total",
		Help:      "Number of migration plans computed.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		TxBegun, TxCommitted, TxWriteSkew, TxRolledBack, VacuumRuns,
		LogAppends, LogSegmentsRotated, ReplayTruncations,
		BlobPuts, PagesAllocated, MigrationPlans,
	)
}
