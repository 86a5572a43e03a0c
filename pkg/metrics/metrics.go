// Package metrics exposes the orchestrator's Prometheus instrumentation.
// Grounded on hubenschmidt-asr-llm-tts's internal/metrics/metrics.go: a flat
// package-level var block of promauto-registered collectors, scoped here to
// the session/turn/tool concerns this repo actually has (call lifecycle,
// per-stage latency, audio ingest volume, VAD segment counts, tool errors)
// rather than that repo's RAG/embedding-specific metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_sessions_active",
		Help: "Currently open WebSocket sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_total",
		Help: "Total WebSocket sessions accepted",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_stage_duration_seconds",
		Help:    "Per-stage latency (stt, llm, tts)",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_turn_duration_seconds",
		Help:    "End-to-end latency from speech-end to first TTS audio chunk",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage"})

	AudioChunksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_audio_chunks_ingested_total",
		Help: "Total inbound binary audio frames received",
	})

	AudioFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_audio_frames_dropped_total",
		Help: "Audio frames dropped by AudioIngest backpressure",
	})

	SpeechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_speech_segments_total",
		Help: "Utterances closed by the Segmenter",
	})

	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_tool_invocations_total",
		Help: "Tool invocations by name and outcome",
	}, []string{"tool", "status"})

	ToolIterationsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_tool_iterations_exhausted_total",
		Help: "Brain turns that hit MaxToolIterations without a final answer",
	})
)
