package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duplexvoice/orchestrator/pkg/audio"
	"github.com/duplexvoice/orchestrator/pkg/metrics"
	"github.com/duplexvoice/orchestrator/pkg/orchestrator"
)

// Server is the WebSocket front door for the orchestration core: one
// connection per session at `/ws/{session_id}` (spec §6), plus a `/health`
// liveness endpoint. Grounded on hubenschmidt-asr-llm-tts's
// internal/ws/handler.go (upgrade → per-connection session loop → read/write
// goroutines), adapted to the teacher's ManagedStream instead of that
// repo's pipeline.Pipeline, and to coder/websocket (already the teacher's
// client-side dependency for TTS) instead of gorilla/websocket.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger orchestrator.Logger
}

func NewServer(orch *orchestrator.Orchestrator, logger orchestrator.Logger) *Server {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Server{orch: orch, logger: logger}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws/", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err, "session_id", sessionID)
		return
	}

	conn := NewConn(ws, s.logger)
	s.runSession(r.Context(), conn, sessionID)
}

func (s *Server) runSession(parent context.Context, conn *Conn, sessionID string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	session := s.orch.NewSessionWithDefaults(sessionID)
	session.ID = sessionID
	ms := orchestrator.NewManagedStream(ctx, s.orch, session)
	defer ms.Close()

	cfg := s.orch.GetConfig()
	ingest := audio.NewAudioIngest(cfg.SampleRateIn, cfg.FrameMs, cfg.MaxFramesQueue, s.logger)
	defer ingest.Close()

	if segVAD := s.orch.NewVAD(); segVAD != nil {
		seg := orchestrator.NewSegmenter(segVAD, cfg.SampleRateIn, cfg.PreRollMs, cfg.MaxUtteranceMs)
		go s.pumpAudio(ctx, ingest, seg, ms)
	}

	egress := audio.NewAudioEgress()
	defer egress.Close()
	go s.pumpEgress(ctx, conn, egress)

	if err := conn.WriteFrame(ctx, NewSignalFrame("ready")); err != nil {
		s.logger.Warn("failed to send ready signal", "error", err, "session_id", sessionID)
		return
	}

	go s.pumpEvents(ctx, conn, ms, egress)

	for {
		msg, err := conn.ReadInbound(ctx)
		if err != nil {
			s.logger.Info("session connection closed", "session_id", sessionID, "error", err)
			return
		}

		switch msg.Kind {
		case InboundBinary:
			metrics.AudioChunksIngested.Inc()
			ingest.Write(msg.Binary)
		case InboundFrame:
			s.handleControlFrame(ms, egress, msg.Frame)
		case InboundUnknownFrame:
			// already logged by Conn.ReadInbound; connection stays open
		}
	}
}

// pumpEgress is AudioEgress's single consumer (spec §4.8): it drains queued
// TTS PCM frames in FIFO order and writes each to the transport, decoupling
// the rate Brain/TTS produce chunks at from the rate the socket can accept
// them without blocking writeEvent's dispatch loop.
func (s *Server) pumpEgress(ctx context.Context, conn *Conn, egress *audio.AudioEgress) {
	for {
		pcm, ok := egress.Next()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err := conn.WriteBinary(ctx, pcm); err != nil {
			s.logger.Warn("audio write failed", "error", err)
		}
	}
}

// pumpAudio drains fixed-duration AudioFrames from AudioIngest and feeds
// them through the Segmenter (spec §4.2/§4.3): speech onset is forwarded to
// ManagedStream as an immediate interruption signal, and each completed
// Utterance is handed to ManagedStream's STT→Brain→TTS pipeline exactly
// once. This runs independently of pumpEvents/the read loop so a slow
// Segmenter/ASR never blocks the transport's binary read path.
func (s *Server) pumpAudio(ctx context.Context, ingest *audio.AudioIngest, seg *orchestrator.Segmenter, ms *orchestrator.ManagedStream) {
	for {
		frame, ok := ingest.Next()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}

		ev, ut, err := seg.Process(frame)
		if err != nil {
			s.logger.Warn("segmenter error", "error", err)
			continue
		}
		if ev != nil && ev.Type == orchestrator.VADSpeechStart {
			ms.OnSpeechOnset()
		}
		if ut != nil {
			ms.ProcessUtterance(ut)
		}
	}
}

func (s *Server) handleControlFrame(ms *orchestrator.ManagedStream, egress *audio.AudioEgress, f Frame) {
	switch f.Type {
	case FrameInput:
		go ms.ProcessTextInput(f.Content)
	case FrameInterrupt:
		ms.Interrupt()
		egress.Drain()
	}
}

// pumpEvents is the single FrameWriter consumer (spec §5): every
// OrchestratorEvent ManagedStream produces is serialized onto this one
// connection in the order it was emitted, so binary audio and JSON control
// frames never race each other onto the wire. Outbound audio chunks are
// handed to AudioEgress rather than written directly, so a barge-in can
// drain anything still queued (spec §4.7/§4.8) without racing pumpEgress.
func (s *Server) pumpEvents(ctx context.Context, conn *Conn, ms *orchestrator.ManagedStream, egress *audio.AudioEgress) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ms.Events():
			if !ok {
				return
			}
			s.writeEvent(ctx, conn, ev, egress)
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *Conn, ev orchestrator.OrchestratorEvent, egress *audio.AudioEgress) {
	var f Frame
	switch ev.Type {
	case orchestrator.AudioChunk:
		chunk, _ := ev.Data.([]byte)
		if len(chunk) == 0 {
			return
		}
		egress.Write(chunk)
		return

	case orchestrator.UserSpeaking:
		// Speech onset already cancelled Brain/TTS via ManagedStream.OnSpeechOnset;
		// drain anything already queued for playback so barge-in silences the
		// channel within spec §5's 200ms soft deadline instead of finishing
		// whatever was buffered ahead of the cut.
		egress.Drain()
		return

	case orchestrator.TranscriptFinal:
		text, _ := ev.Data.(string)
		f = NewTranscriptFrame(text, true, TranscriptMetadata{})

	case orchestrator.TranscriptPartial:
		text, _ := ev.Data.(string)
		f = NewTranscriptFrame(text, false, TranscriptMetadata{})

	case orchestrator.BotResponse:
		// cmd/server always builds its Orchestrator with NewWithTools, so
		// BrainUpdateEvent's TextDelta/TurnEnd updates are the authoritative
		// text stream for this transport; BotResponse (emitted unconditionally
		// by runLLMAndTTS for the CLI's benefit) would just duplicate it here.
		return

	case orchestrator.BrainUpdateEvent:
		update, _ := ev.Data.(orchestrator.BrainUpdate)
		f = brainUpdateToFrame(update)

	case orchestrator.BotThinking:
		f = NewSignalFrame("processing_started")

	case orchestrator.TurnComplete:
		f = NewSignalFrame("processing_ended")

	case orchestrator.ErrorEvent:
		msg, _ := ev.Data.(string)
		metrics.Errors.WithLabelValues("session").Inc()
		f = Frame{Type: FrameUpdate, Content: msg}

	default:
		return
	}

	if err := conn.WriteFrame(ctx, f); err != nil {
		s.logger.Warn("frame write failed", "error", err, "type", f.Type)
	}
}

// brainUpdateToFrame maps a BrainUpdate onto the `update`/`text` JSON frame
// shapes spec.md §6 defines.
func brainUpdateToFrame(u orchestrator.BrainUpdate) Frame {
	switch u.Kind {
	case orchestrator.BrainTextDelta:
		return NewTextFrame(u.MsgID, u.Delta, false, u.Turn)
	case orchestrator.BrainTurnEnd:
		return NewTextFrame(u.MsgID, "", true, u.Turn)
	case orchestrator.BrainThought:
		return NewUpdateFrame(u.MsgID, u.Delta, false, UpdateMetadata{UpdateType: "THOUGHT", Turn: u.Turn})
	case orchestrator.BrainToolCallStart:
		return NewUpdateFrame(u.MsgID, "", false, UpdateMetadata{
			UpdateType: "TOOL_CALL", Turn: u.Turn, Index: u.Index, Name: u.ToolName,
		})
	case orchestrator.BrainToolCallArgs:
		return NewUpdateFrame(u.MsgID, u.ArgsPartial, false, UpdateMetadata{
			UpdateType: "TOOL_CALL", Turn: u.Turn, Index: u.Index,
		})
	case orchestrator.BrainToolCallEnd:
		return NewUpdateFrame(u.MsgID, "", true, UpdateMetadata{
			UpdateType: "TOOL_CALL", Turn: u.Turn, Index: u.Index, Status: u.Status,
		})
	case orchestrator.BrainToolResult:
		return NewUpdateFrame(u.MsgID, u.Content, true, UpdateMetadata{
			UpdateType: "TOOL_RESULT", Turn: u.Turn, Index: u.Index, Status: u.Status,
		})
	default:
		return NewUpdateFrame(u.MsgID, "", false, UpdateMetadata{Turn: u.Turn})
	}
}
