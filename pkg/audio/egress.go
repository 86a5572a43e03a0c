package audio

import (
	"sync"
	"time"
)

// AudioEgress is a FIFO writer for outbound TTS PCM: frames are written in
// the order produced and a consumer drains them in the same order. Busy
// reports whether audio was written within the last idle window (250ms),
// i.e. whether the channel is "busy" (still speaking) or "idle".
type AudioEgress struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queue      [][]byte
	closed     bool
	lastWrite  time.Time
	idleWindow time.Duration
}

func NewAudioEgress() *AudioEgress {
	e := &AudioEgress{idleWindow: 250 * time.Millisecond}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Write enqueues one PCM frame for playback.
func (e *AudioEgress) Write(pcm []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, pcm)
	e.lastWrite = time.Now()
	e.cond.Signal()
}

// Next blocks until a frame is available or the egress is closed.
func (e *AudioEgress) Next() (pcm []byte, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) == 0 && !e.closed {
		e.cond.Wait()
	}
	if len(e.queue) == 0 {
		return nil, false
	}
	pcm = e.queue[0]
	e.queue = e.queue[1:]
	return pcm, true
}

// Busy reports whether a frame was written within the last idle window,
// i.e. whether playback is still actively underway.
func (e *AudioEgress) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.lastWrite.IsZero() && time.Since(e.lastWrite) < e.idleWindow
}

// Drain discards any queued-but-unplayed frames, used on barge-in to cut
// playback immediately rather than finishing the buffered tail.
func (e *AudioEgress) Drain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = nil
}

func (e *AudioEgress) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cond.Broadcast()
}
