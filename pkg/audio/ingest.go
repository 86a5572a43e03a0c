package audio

import (
	"encoding/binary"
	"sync"

	"github.com/duplexvoice/orchestrator/pkg/metrics"
	"github.com/duplexvoice/orchestrator/pkg/orchestrator"
)

// AudioIngest turns a raw inbound Int16LE PCM stream into fixed-duration
// AudioFrames (spec §3, §4.2): it slices the stream into FrameMs chunks,
// stamps each with a monotonic offset in seconds, and buffers them on a bounded queue
// a consumer drains with Next. When the queue is full the oldest frame is
// dropped rather than blocking the network read loop (spec §4.2's
// backpressure rule) — the audio path must never stall on a slow consumer.
type AudioIngest struct {
	sampleRate   int
	frameSamples int
	maxQueue     int
	logger       orchestrator.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []orchestrator.AudioFrame
	dropped  int
	closed   bool
	pending  []byte
	elapsed  float64
}

func NewAudioIngest(sampleRate, frameMs, maxQueue int, logger orchestrator.Logger) *AudioIngest {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	a := &AudioIngest{
		sampleRate:   sampleRate,
		frameSamples: sampleRate * frameMs / 1000,
		maxQueue:     maxQueue,
		logger:       logger,
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Write appends raw Int16LE PCM bytes, slicing out and enqueuing as many
// complete frames as the accumulated bytes allow; any partial frame remains
// buffered for the next call.
func (a *AudioIngest) Write(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	a.pending = append(a.pending, pcm...)
	frameBytes := a.frameSamples * 2

	for len(a.pending) >= frameBytes {
		chunk := a.pending[:frameBytes]
		a.pending = a.pending[frameBytes:]

		frame := orchestrator.AudioFrame{
			Samples:    pcm16ToFloat(chunk),
			SampleRate: a.sampleRate,
			TStart:     a.elapsed,
		}
		a.elapsed += float64(a.frameSamples) / float64(a.sampleRate)

		if len(a.queue) >= a.maxQueue {
			a.queue = a.queue[1:]
			a.dropped++
			metrics.AudioFramesDropped.Inc()
			a.logger.Warn("audio ingest queue full, dropping oldest frame", "dropped_total", a.dropped)
		}
		a.queue = append(a.queue, frame)
	}
	a.cond.Signal()
}

// Next blocks until a frame is available or the ingest is closed, in which
// case ok is false.
func (a *AudioIngest) Next() (frame orchestrator.AudioFrame, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.queue) == 0 && !a.closed {
		a.cond.Wait()
	}
	if len(a.queue) == 0 {
		return orchestrator.AudioFrame{}, false
	}
	frame = a.queue[0]
	a.queue = a.queue[1:]
	return frame, true
}

// Close unblocks any pending Next call and stops accepting writes.
func (a *AudioIngest) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.cond.Broadcast()
}

// Dropped returns the cumulative count of frames dropped to backpressure.
func (a *AudioIngest) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func pcm16ToFloat(chunk []byte) []float32 {
	n := len(chunk) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(chunk[i*2 : i*2+2]))
		out[i] = float32(v) / 32768.0
	}
	return out
}
