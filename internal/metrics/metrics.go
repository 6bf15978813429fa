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

// Package metrics exposes Prometheus instrumentation for workflow execution.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus collectors for workflow execution.
// All collectors are registered on a private registry so tests can
// create collectors independently without duplicate registration panics.
type Collector struct {
	registry *prometheus.Registry

	RunsStarted    prometheus.Counter
	RunsCompleted  *prometheus.CounterVec
	NodesExecuted  *prometheus.CounterVec
	NodeDuration   *prometheus.HistogramVec
	RunDuration    prometheus.Histogram
	Suspensions    *prometheus.CounterVec
	Resumptions    *prometheus.CounterVec
	LLMRequests    *prometheus.CounterVec
	LLMTokens      *prometheus.CounterVec
	LLMCostUSD     *prometheus.CounterVec
	ActiveRuns     prometheus.Gauge
	QueueDepth     prometheus.Gauge
	BudgetRefusals *prometheus.CounterVec
}

// New creates a Collector with all metrics registered on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cascade_runs_started_total",
			Help: "Total number of workflow runs started.",
		}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_runs_completed_total",
			Help: "Total number of workflow runs finished, by terminal status.",
		}, []string{"status"}),
		NodesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_nodes_executed_total",
			Help: "Total number of node executions, by node type and outcome.",
		}, []string{"type", "outcome"}),
		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cascade_node_duration_seconds",
			Help:    "Node execution duration in seconds, by node type.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"type"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cascade_run_duration_seconds",
			Help:    "Workflow run duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		Suspensions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_suspensions_total",
			Help: "Total number of run suspensions, by kind.",
		}, []string{"kind"}),
		Resumptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_resumptions_total",
			Help: "Total number of run resumptions, by trigger (resolved, timeout).",
		}, []string{"trigger"}),
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_llm_requests_total",
			Help: "Total number of LLM requests, by model.",
		}, []string{"model"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_llm_tokens_total",
			Help: "Total number of LLM tokens, by model and direction.",
		}, []string{"model", "direction"}),
		LLMCostUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_llm_cost_usd_total",
			Help: "Cumulative LLM spend in USD, by model.",
		}, []string{"model"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cascade_active_runs",
			Help: "Number of runs currently executing.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cascade_queue_depth",
			Help: "Number of runs waiting in the submission queue.",
		}),
		BudgetRefusals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_budget_refusals_total",
			Help: "Total number of LLM calls refused by budget checks, by scope.",
		}, []string{"scope"}),
	}
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRunFinished updates the completion counters and duration histogram.
func (c *Collector) RecordRunFinished(status string, seconds float64) {
	c.RunsCompleted.WithLabelValues(status).Inc()
	c.RunDuration.Observe(seconds)
}

// RecordNode updates per-node counters and the duration histogram.
func (c *Collector) RecordNode(nodeType, outcome string, seconds float64) {
	c.NodesExecuted.WithLabelValues(nodeType, outcome).Inc()
	c.NodeDuration.WithLabelValues(nodeType).Observe(seconds)
}

// RecordLLMUsage updates request, token, and cost counters for one call.
func (c *Collector) RecordLLMUsage(model string, promptTokens, completionTokens int, costUSD float64) {
	c.LLMRequests.WithLabelValues(model).Inc()
	c.LLMTokens.WithLabelValues(model, "input").Add(float64(promptTokens))
	c.LLMTokens.WithLabelValues(model, "output").Add(float64(completionTokens))
	c.LLMCostUSD.WithLabelValues(model).Add(costUSD)
}
