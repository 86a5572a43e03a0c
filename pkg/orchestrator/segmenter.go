package orchestrator

import "github.com/duplexvoice/orchestrator/pkg/metrics"

// Segmenter turns a stream of fixed-duration AudioFrames into bounded
// Utterances delimited by silence (spec §3, §4.3): idle while below the VAD
// threshold, active once speech is confirmed, hang while waiting out
// MinSilenceMs before closing the utterance. A pre-roll ring buffer (grounded
// on hubenschmidt-asr-llm-tts's internal/audio/vad.go preSpeech buffer) keeps
// the PreRollMs of audio immediately before speech onset, so the ASR sees the
// leading edge of words that trip the VAD a few frames late.
type segmenterState int

const (
	segIdle segmenterState = iota
	segActive
	segHang
)

type Segmenter struct {
	vad        VADProvider
	sampleRate int

	preRollSamples int
	preRoll        []float32

	maxUtteranceSamples int

	state       segmenterState
	buffer      []float32
	utStartT    float64
	utPreRollMs int
}

func NewSegmenter(vad VADProvider, sampleRate int, preRollMs, maxUtteranceMs int) *Segmenter {
	return &Segmenter{
		vad:                 vad,
		sampleRate:          sampleRate,
		preRollSamples:      msToSamples(preRollMs, sampleRate),
		maxUtteranceSamples: msToSamples(maxUtteranceMs, sampleRate),
		utPreRollMs:         preRollMs,
	}
}

func msToSamples(ms, sampleRate int) int {
	return ms * sampleRate / 1000
}

// Process feeds one frame through the VAD and the segmenter state machine.
// It returns the raw VADEvent (for barge-in signaling) and, if this frame
// closed an utterance (natural silence timeout or MaxUtteranceMs overrun),
// the completed Utterance.
func (s *Segmenter) Process(frame AudioFrame) (*VADEvent, *Utterance, error) {
	ev, err := s.vad.Process(floatToPCM16(frame.Samples))
	if err != nil {
		return nil, nil, err
	}

	switch s.state {
	case segIdle:
		if ev != nil && ev.Type == VADSpeechStart {
			s.state = segActive
			s.utStartT = frame.TStart
			s.buffer = append(s.buffer[:0], s.preRoll...)
			s.buffer = append(s.buffer, frame.Samples...)
			return ev, nil, nil
		}
		s.updatePreRoll(frame.Samples)
		return ev, nil, nil

	case segActive, segHang:
		s.buffer = append(s.buffer, frame.Samples...)

		if ev != nil && ev.Type == VADSpeechEnd {
			return ev, s.closeUtterance(frame.TStart), nil
		}
		if ev != nil && ev.Type == VADSilence {
			s.state = segHang
		} else {
			s.state = segActive
		}

		if s.maxUtteranceSamples > 0 && len(s.buffer) >= s.maxUtteranceSamples {
			return ev, s.closeUtterance(frame.TStart), nil
		}
		return ev, nil, nil
	}

	return ev, nil, nil
}

func (s *Segmenter) closeUtterance(tEnd float64) *Utterance {
	metrics.SpeechSegments.Inc()
	ut := &Utterance{
		Samples:    s.buffer,
		SampleRate: s.sampleRate,
		TStart:     s.utStartT,
		TEnd:       tEnd,
		PreRollMs:  s.utPreRollMs,
	}
	s.buffer = nil
	s.preRoll = s.preRoll[:0]
	s.state = segIdle
	s.vad.Reset()
	return ut
}

// Flush force-closes any in-progress utterance, e.g. on session teardown.
func (s *Segmenter) Flush(tEnd float64) *Utterance {
	if s.state == segIdle || len(s.buffer) == 0 {
		return nil
	}
	return s.closeUtterance(tEnd)
}

func (s *Segmenter) updatePreRoll(samples []float32) {
	s.preRoll = append(s.preRoll, samples...)
	if len(s.preRoll) > s.preRollSamples {
		excess := len(s.preRoll) - s.preRollSamples
		s.preRoll = s.preRoll[excess:]
	}
}

// floatToPCM16 converts [-1,1] float32 samples into little-endian 16-bit PCM
// bytes, the shape RMSVAD.Process expects.
func floatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := int16(clampFloat(f) * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func clampFloat(f float32) float32 {
	if f > 1 {
		return 1
	}
	if f < -1 {
		return -1
	}
	return f
}
