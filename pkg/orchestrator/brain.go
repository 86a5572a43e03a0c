package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duplexvoice/orchestrator/pkg/metrics"
)

// Brain is the reasoning-with-tools loop (spec §4.5): given a user turn, it
// drives the LLM through zero or more tool-calling iterations, streaming
// BrainUpdates as it goes, and returns the final assistant text once the
// turn completes naturally, is cancelled, or exhausts MaxToolIterations.
type Brain struct {
	llm    LLMProvider
	tools  *ToolRegistry
	cfg    Config
	logger Logger
}

func NewBrain(llm LLMProvider, tools *ToolRegistry, cfg Config, logger Logger) *Brain {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Brain{llm: llm, tools: tools, cfg: cfg, logger: logger}
}

// streamer returns llm as a StreamingLLMProvider, wrapping it in the
// non-streaming adapter if it doesn't natively implement one (see §4.5:
// only AnthropicLLM streams natively; OpenAI/Google/Groq keep their
// non-streaming Complete and lose tool-calling, not reachability).
func (b *Brain) streamer() StreamingLLMProvider {
	if s, ok := b.llm.(StreamingLLMProvider); ok {
		return s
	}
	return &nonStreamingBrainAdapter{inner: b.llm}
}

// Run executes the tool loop for one user turn (spec §4.5 steps 1-5).
// session supplies the running conversation (via HistoryAsTurns) and is
// where every ToolCall/ToolResult this turn produces gets persisted as it
// completes, so a cancelled turn retains history only up to its last
// completed ToolResult pair (spec §3, §9); session may be nil for callers
// that only need the emitted BrainUpdate stream (e.g. tests). emit is
// called with every BrainUpdate in causal order. Run returns the final
// assistant text.
func (b *Brain) Run(ctx context.Context, session *ConversationSession, msgID string, emit func(BrainUpdate)) (string, error) {
	maxTurns := b.cfg.MaxToolIterations
	if maxTurns <= 0 {
		maxTurns = 5
	}
	toolTimeout := time.Duration(b.cfg.ToolTimeoutS) * time.Second
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	inactivityTimeout := time.Duration(b.cfg.LLMInactivityTimeoutS) * time.Second
	if inactivityTimeout <= 0 {
		inactivityTimeout = 60 * time.Second
	}

	var turns []LLMTurnMessage
	if session != nil {
		turns = session.HistoryAsTurns()
	}
	streamer := b.streamer()
	var toolDefs []ToolDefinition
	if b.tools != nil {
		toolDefs = b.tools.Definitions()
	}

	for turn := 0; turn < maxTurns; turn++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		text, toolCalls, err := b.runOneTurn(ctx, streamer, turns, toolDefs, msgID, turn, inactivityTimeout, emit)
		if err != nil {
			return "", err
		}

		if len(toolCalls) == 0 {
			emit(BrainUpdate{Kind: BrainTurnEnd, MsgID: msgID, Turn: turn})
			return text, nil
		}

		turns = append(turns, LLMTurnMessage{Role: "assistant", Content: text, ToolCalls: toolCalls})

		assistantPersisted := false
		for i, call := range toolCalls {
			select {
			case <-ctx.Done():
				return text, ctx.Err()
			default:
			}

			// Persist the round's assistant text (once) and this call's
			// ToolCall immediately before invoking it, then the ToolResult
			// immediately after: invokeTool always returns (it applies its
			// own timeout), so there is no cancellation window in which a
			// ToolCall is durably recorded without its ToolResult.
			if session != nil {
				if !assistantPersisted {
					if text != "" {
						session.AddMessage("assistant", text)
					}
					assistantPersisted = true
				}
				session.AddToolCall(call.ID, call.Name, call.InputJSON)
			}

			content, status := b.invokeTool(ctx, call, toolTimeout)

			if session != nil {
				session.AddToolResult(call.ID, content, status)
			}

			emit(BrainUpdate{
				Kind: BrainToolResult, MsgID: msgID, Turn: turn,
				Index: i, Status: status, Content: content,
			})
			turns = append(turns, LLMTurnMessage{Role: "tool", Content: content, ToolCallID: call.ID})
		}
	}

	metrics.ToolIterationsExhausted.Inc()
	synthetic := "I was unable to complete that in the allotted steps."
	emit(BrainUpdate{Kind: BrainTurnEnd, MsgID: msgID, Turn: maxTurns})
	return synthetic, ErrMaxToolIterations
}

// runOneTurn streams one LLM turn, forwarding thought/text/tool-call
// lifecycle events as BrainUpdates, and returns the accumulated text plus
// any tool calls the turn produced.
func (b *Brain) runOneTurn(
	ctx context.Context,
	streamer StreamingLLMProvider,
	turns []LLMTurnMessage,
	toolDefs []ToolDefinition,
	msgID string,
	turn int,
	inactivityTimeout time.Duration,
	emit func(BrainUpdate),
) (string, []LLMToolCallRequest, error) {
	events, err := streamer.StreamComplete(ctx, turns, toolDefs)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrLLMFailed, err)
	}

	var text string
	var calls []LLMToolCallRequest
	callIndex := make(map[string]int)
	argsByID := make(map[string]string)

	timer := time.NewTimer(inactivityTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return text, calls, ctx.Err()
		case <-timer.C:
			return text, calls, fmt.Errorf("%w: LLM inactivity timeout", ErrLLMFailed)
		case ev, ok := <-events:
			if !ok {
				return text, calls, nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(inactivityTimeout)

			switch ev.Type {
			case LLMEventThoughtDelta:
				emit(BrainUpdate{Kind: BrainThought, MsgID: msgID, Turn: turn, Delta: ev.TextDelta})
			case LLMEventTextDelta:
				text += ev.TextDelta
				emit(BrainUpdate{Kind: BrainTextDelta, MsgID: msgID, Turn: turn, Delta: ev.TextDelta})
			case LLMEventToolCallStart:
				idx := len(calls)
				callIndex[ev.ToolCallID] = idx
				calls = append(calls, LLMToolCallRequest{ID: ev.ToolCallID, Name: ev.ToolCallName})
				emit(BrainUpdate{
					Kind: BrainToolCallStart, MsgID: msgID, Turn: turn,
					Index: idx, ToolName: ev.ToolCallName,
				})
			case LLMEventToolCallDelta:
				argsByID[ev.ToolCallID] += ev.ArgsDelta
				if idx, ok := callIndex[ev.ToolCallID]; ok {
					emit(BrainUpdate{
						Kind: BrainToolCallArgs, MsgID: msgID, Turn: turn,
						Index: idx, ArgsPartial: ev.ArgsDelta,
					})
				}
			case LLMEventToolCallEnd:
				if idx, ok := callIndex[ev.ToolCallID]; ok {
					calls[idx].InputJSON = argsByID[ev.ToolCallID]
					emit(BrainUpdate{Kind: BrainToolCallEnd, MsgID: msgID, Turn: turn, Index: idx, Status: "ok"})
				}
			case LLMEventDone:
				return text, calls, nil
			}

			if ev.Err != nil {
				return text, calls, ev.Err
			}
		}
	}
}

// invokeTool validates and calls one tool, turning a missing tool, schema
// violation, or timeout into a status=error ToolResult instead of aborting
// the turn (spec §4.5, §4.6).
func (b *Brain) invokeTool(ctx context.Context, call LLMToolCallRequest, timeout time.Duration) (content string, status string) {
	if b.tools == nil {
		return fmt.Sprintf("no tools registered, cannot call %q", call.Name), "error"
	}

	if _, ok := b.tools.Get(call.Name); !ok {
		return fmt.Sprintf("unknown tool %q", call.Name), "error"
	}

	argsJSON := call.InputJSON
	if argsJSON != "" {
		var probe map[string]interface{}
		if err := json.Unmarshal([]byte(argsJSON), &probe); err != nil {
			return fmt.Sprintf("malformed tool arguments for %q: %v", call.Name, err), "error"
		}
	}

	result, err := b.tools.Invoke(ctx, call.Name, argsJSON, timeout)
	if err != nil {
		return err.Error(), "error"
	}
	return result, "ok"
}

// nonStreamingBrainAdapter wraps a plain LLMProvider (OpenAI/Google/Groq, per
// the teacher's adapters) so Brain can drive it through the same loop. It
// synthesizes a single TextDelta + Done event; tools are never invoked since
// these adapters' wire protocols have no tool-call schema (documented in
// DESIGN.md as a per-provider capability gap, not a dropped dependency).
type nonStreamingBrainAdapter struct {
	inner LLMProvider
}

func (a *nonStreamingBrainAdapter) Name() string { return a.inner.Name() }

func (a *nonStreamingBrainAdapter) Complete(ctx context.Context, messages []Message) (string, error) {
	return a.inner.Complete(ctx, messages)
}

func (a *nonStreamingBrainAdapter) StreamComplete(ctx context.Context, turns []LLMTurnMessage, tools []ToolDefinition) (<-chan LLMEvent, error) {
	messages := make([]Message, 0, len(turns))
	for _, t := range turns {
		if t.Role == "tool" {
			messages = append(messages, Message{Role: "user", Content: "Tool result: " + t.Content})
			continue
		}
		messages = append(messages, Message{Role: t.Role, Content: t.Content})
	}

	out := make(chan LLMEvent, 2)
	go func() {
		defer close(out)
		text, err := a.inner.Complete(ctx, messages)
		if err != nil {
			select {
			case out <- LLMEvent{Type: LLMEventDone, Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- LLMEvent{Type: LLMEventTextDelta, TextDelta: text}:
		case <-ctx.Done():
			return
		}
		select {
		case out <- LLMEvent{Type: LLMEventDone}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
