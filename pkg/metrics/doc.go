/*
Package metrics provides Prometheus metrics collection and exposition for
snops's control plane and agents.

Metrics are defined and registered at package init using the Prometheus
client library and exposed via an HTTP endpoint for scraping.

# Metrics Catalog

Registry metrics (control plane):

snops_agents_total{connection, mode}:
  - Type: Gauge
  - Total registered agents by connection state (online/offline) and mode

snops_agent_claims_held{kind}:
  - Type: Gauge
  - Currently held agent claims by kind (compute/env)

Environment metrics (control plane):

snops_environments_total:
  - Type: Gauge
  - Total number of live environments

snops_environment_apply_duration_seconds:
  - Type: Histogram
  - Time to apply an environment spec, including delegation

snops_delegation_failures_total{kind}:
  - Type: Counter
  - Total delegation failures by kind

Reconciler metrics (agent side):

snops_reconciliation_duration_seconds:
  - Type: Histogram
  - Time taken for one reconcile iteration

snops_reconciliation_cycles_total:
  - Type: Counter
  - Total reconcile iterations run

snops_reconcile_errors_total{kind}:
  - Type: Counter
  - Total fatal reconcile errors by kind

Transfer metrics (agent side):

snops_transfers_active:
  - Type: Gauge
  - Number of transfers currently in flight

snops_transfer_bytes_total:
  - Type: Counter
  - Total bytes downloaded across all transfers

snops_transfer_failures_total:
  - Type: Counter
  - Total transfer interruptions

Cannon metrics (control plane):

snops_cannon_instances_total:
  - Type: Gauge
  - Total registered cannon instances across all environments

snops_cannon_trackers_total{cannon_id, status}:
  - Type: Gauge
  - Number of transaction trackers by cannon and status

snops_cannon_tracking_cycle_duration_seconds:
  - Type: Histogram
  - Time taken for one cannon tracking-loop pass

snops_transactions_confirmed_total:
  - Type: Counter
  - Total confirmed transactions across all cannons

snops_transactions_exceeded_total:
  - Type: Counter
  - Total transactions dropped after attempt exhaustion

Wire session metrics (control plane):

snops_sessions_connected_total:
  - Type: Gauge
  - Currently connected agent wire sessions

snops_heartbeat_failures_total:
  - Type: Counter
  - Total heartbeat timeouts leading to session teardown

Event bus metrics:

snops_events_published_total{kind}:
  - Type: Counter
  - Total events published by content kind

API metrics:

snops_api_requests_total{method, status}:
  - Type: Counter
  - Total API requests by method and status

snops_api_request_duration_seconds{method}:
  - Type: Histogram
  - API request duration

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.ReconciliationDuration)

	metrics.AgentsTotal.WithLabelValues("online", "compute").Set(3)
	metrics.TransactionsConfirmedTotal.Inc()

	http.Handle("/metrics", metrics.Handler())

# Design

Registry and environment metrics are pushed inline by pkg/registry and
pkg/environment on every mutation. Collector exists alongside that for
metrics better computed by periodically walking the store (cannon instance
and tracker counts) rather than threading an update call through every
cannon state transition.
*/
package metrics
