package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

var spawnBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

// collectors groups every conductor metric by the component that feeds it.
type collectors struct {
	// commandqueue lanes
	laneDepth    *prometheus.GaugeVec
	laneEnqueued *prometheus.CounterVec
	laneDone     *prometheus.CounterVec
	laneTaskTime *prometheus.HistogramVec

	// orchestrator
	sessions      prometheus.Gauge
	spawns        *prometheus.CounterVec
	spawnTime     prometheus.Histogram
	forcedReady   prometheus.Counter
	prompts       *prometheus.CounterVec
	turnTime      prometheus.Histogram
	queuedPrompts prometheus.Gauge
	recoveries    *prometheus.CounterVec
	approvals     *prometheus.GaugeVec

	// model tool loop
	iterations    *prometheus.CounterVec
	iterationCaps *prometheus.CounterVec
	modelRetries  *prometheus.CounterVec
	modelCalls    *prometheus.CounterVec
	modelTime     *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	toolTime      *prometheus.HistogramVec

	transcriptWrite *prometheus.HistogramVec
}

func newCollectors(reg prometheus.Registerer) *collectors {
	f := promauto.With(reg)
	counter := func(sub, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: sub, Name: name, Help: help}, labels)
	}
	gauge := func(sub, name, help string, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: sub, Name: name, Help: help}, labels)
	}
	seconds := func(sub, name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Subsystem: sub, Name: name, Help: help, Buckets: prometheus.DefBuckets}, labels)
	}

	return &collectors{
		laneDepth:    gauge("lane", "queue_size", "Tasks waiting or running per lane.", "lane"),
		laneEnqueued: counter("lane", "enqueue_total", "Tasks submitted per lane.", "lane"),
		laneDone:     counter("lane", "dequeue_total", "Tasks finished per lane and status.", "lane", "status"),
		laneTaskTime: seconds("lane", "task_duration_seconds", "Task run time per lane.", "lane"),

		sessions: f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_sessions", Help: "Sessions currently held by the orchestrator."}),
		spawns:   counter("", "spawn_total", "Session spawns by agent kind and status.", "agent", "status"),
		spawnTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "spawn_duration_seconds",
			Help: "Time from spawn request to ready.", Buckets: spawnBuckets,
		}),
		forcedReady:   f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "spawn_timeouts_total", Help: "Sessions forced ready after the readiness timeout."}),
		prompts:       counter("", "prompt_total", "Prompts by outcome: sent, queued or failed.", "outcome"),
		turnTime:      f.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "prompt_duration_seconds", Help: "Time from prompt transmit to turn completion.", Buckets: prometheus.DefBuckets}),
		queuedPrompts: f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "queued_prompts", Help: "Prompts waiting for their session to become ready."}),
		recoveries:    counter("", "recovery_total", "Dead session recoveries by outcome.", "outcome"),
		approvals:     gauge("", "pending_approvals", "Open approval requests by gate.", "gate"),

		iterations:    counter("loop", "iterations_total", "Tool loop iterations by provider.", "provider"),
		iterationCaps: counter("", "iteration_limit_total", "Tool loops paused at the iteration cap by provider.", "provider"),
		modelRetries:  counter("model_call", "retries_total", "Retried model calls by provider.", "provider"),
		modelCalls:    counter("model_call", "total", "Model calls by provider and status.", "provider", "status"),
		modelTime:     seconds("model_call", "duration_seconds", "Model call latency by provider.", "provider"),
		toolCalls:     counter("tool_execution", "total", "Tool executions by tool and status.", "tool", "status"),
		toolTime:      seconds("tool_execution", "duration_seconds", "Tool execution time by tool.", "tool"),

		transcriptWrite: seconds("transcript", "write_duration_seconds", "Transcript append latency by driver.", "driver"),
	}
}

var (
	registerOnce sync.Once
	metrics      *collectors
)

func get() *collectors {
	registerOnce.Do(func() {
		metrics = newCollectors(prometheus.DefaultRegisterer)
	})
	return metrics
}

// EnsureRegistered registers the conductor collectors with the default
// Prometheus registry. Later calls are no-ops.
func EnsureRegistered() { get() }

// MetricsHandler serves the default registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	get()
	return promhttp.Handler()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, depth int) {
	m := get()
	m.laneEnqueued.WithLabelValues(lane).Inc()
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func SetQueueSize(lane string, depth int) {
	get().laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordQueueCompletion(lane string, took time.Duration, ok bool, depth int) {
	m := get()
	m.laneDone.WithLabelValues(lane, status(ok)).Inc()
	m.laneTaskTime.WithLabelValues(lane).Observe(took.Seconds())
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func SetActiveSessions(n int) { get().sessions.Set(float64(n)) }

// RecordSpawn counts a spawn; only successful ones feed the latency
// histogram.
func RecordSpawn(agentKind string, took time.Duration, ok bool) {
	m := get()
	m.spawns.WithLabelValues(agentKind, status(ok)).Inc()
	if ok {
		m.spawnTime.Observe(took.Seconds())
	}
}

func RecordSpawnTimeout() { get().forcedReady.Inc() }

// RecordPrompt counts a prompt by outcome: "sent", "queued" or "failed".
func RecordPrompt(outcome string) { get().prompts.WithLabelValues(outcome).Inc() }

func RecordPromptDuration(took time.Duration) { get().turnTime.Observe(took.Seconds()) }

func SetQueuedPrompts(n int) { get().queuedPrompts.Set(float64(n)) }

func RecordRecovery(ok bool) { get().recoveries.WithLabelValues(status(ok)).Inc() }

// SetPendingApprovals reports the open requests for gate ("permission" or
// "diff").
func SetPendingApprovals(gate string, n int) {
	get().approvals.WithLabelValues(gate).Set(float64(n))
}

func RecordLoopIteration(provider string) { get().iterations.WithLabelValues(provider).Inc() }

func RecordIterationLimit(provider string) { get().iterationCaps.WithLabelValues(provider).Inc() }

func RecordModelCallRetry(provider string) { get().modelRetries.WithLabelValues(provider).Inc() }

func RecordModelCall(provider string, took time.Duration, ok bool) {
	m := get()
	m.modelCalls.WithLabelValues(provider, status(ok)).Inc()
	m.modelTime.WithLabelValues(provider).Observe(took.Seconds())
}

func RecordToolExecution(tool string, took time.Duration, ok bool) {
	m := get()
	m.toolCalls.WithLabelValues(tool, status(ok)).Inc()
	m.toolTime.WithLabelValues(tool).Observe(took.Seconds())
}

func RecordTranscriptWrite(driver string, took time.Duration) {
	get().transcriptWrite.WithLabelValues(driver).Observe(took.Seconds())
}
