package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedStreamer is a StreamingLLMProvider whose StreamComplete returns one
// pre-built event sequence per call, in order, so a test can script a
// multi-turn exchange (e.g. tool_call turn, then a final text turn).
type scriptedStreamer struct {
	turns [][]LLMEvent
	calls int
}

func (s *scriptedStreamer) Name() string { return "scripted" }

func (s *scriptedStreamer) Complete(ctx context.Context, messages []Message) (string, error) {
	return "", errors.New("Complete should not be called on a StreamingLLMProvider")
}

func (s *scriptedStreamer) StreamComplete(ctx context.Context, turns []LLMTurnMessage, tools []ToolDefinition) (<-chan LLMEvent, error) {
	idx := s.calls
	s.calls++
	out := make(chan LLMEvent, len(s.turns[idx])+1)
	for _, ev := range s.turns[idx] {
		out <- ev
	}
	close(out)
	return out, nil
}

func textTurn(text string) []LLMEvent {
	return []LLMEvent{
		{Type: LLMEventTextDelta, TextDelta: text},
		{Type: LLMEventDone},
	}
}

func toolCallTurn(id, name, argsJSON string) []LLMEvent {
	return []LLMEvent{
		{Type: LLMEventToolCallStart, ToolCallID: id, ToolCallName: name},
		{Type: LLMEventToolCallDelta, ToolCallID: id, ArgsDelta: argsJSON},
		{Type: LLMEventToolCallEnd, ToolCallID: id},
		{Type: LLMEventDone},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	return cfg
}

func TestBrain_Run_SimpleTextNoTools(t *testing.T) {
	llm := &scriptedStreamer{turns: [][]LLMEvent{textTurn("hello there")}}
	brain := NewBrain(llm, NewToolRegistry(), testConfig(), nil)

	var updates []BrainUpdate
	text, err := brain.Run(context.Background(), nil, "msg-1", func(u BrainUpdate) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello there" {
		t.Errorf("expected 'hello there', got %q", text)
	}

	last := updates[len(updates)-1]
	if last.Kind != BrainTurnEnd {
		t.Errorf("expected last update to be BrainTurnEnd, got %v", last.Kind)
	}
}

func TestBrain_Run_WithToolCall(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(newCalculatorTool())

	llm := &scriptedStreamer{turns: [][]LLMEvent{
		toolCallTurn("call-1", "calculator", `{"expression":"2 + 2"}`),
		textTurn("the answer is 4"),
	}}
	brain := NewBrain(llm, reg, testConfig(), nil)

	var toolResults []BrainUpdate
	text, err := brain.Run(context.Background(), nil, "msg-2", func(u BrainUpdate) {
		if u.Kind == BrainToolResult {
			toolResults = append(toolResults, u)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "the answer is 4" {
		t.Errorf("expected final text from second turn, got %q", text)
	}
	if len(toolResults) != 1 {
		t.Fatalf("expected exactly 1 tool result, got %d", len(toolResults))
	}
	if toolResults[0].Status != "ok" {
		t.Errorf("expected tool status ok, got %q", toolResults[0].Status)
	}
}

func TestBrain_Run_UnknownToolReportsError(t *testing.T) {
	llm := &scriptedStreamer{turns: [][]LLMEvent{
		toolCallTurn("call-1", "ghost_tool", `{}`),
		textTurn("done"),
	}}
	brain := NewBrain(llm, NewToolRegistry(), testConfig(), nil)

	var status string
	_, err := brain.Run(context.Background(), nil, "msg-3", func(u BrainUpdate) {
		if u.Kind == BrainToolResult {
			status = u.Status
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != "error" {
		t.Errorf("expected tool result status error for an unregistered tool, got %q", status)
	}
}

func TestBrain_Run_MaxIterationsExceeded(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(newCalculatorTool())

	// every turn calls the tool again, so the loop never reaches a
	// no-tool-calls turn and must hit the MaxToolIterations cap.
	turns := make([][]LLMEvent, 3)
	for i := range turns {
		turns[i] = toolCallTurn("call", "calculator", `{"expression":"1 + 1"}`)
	}
	llm := &scriptedStreamer{turns: turns}

	cfg := testConfig()
	cfg.MaxToolIterations = 3
	brain := NewBrain(llm, reg, cfg, nil)

	text, err := brain.Run(context.Background(), nil, "msg-4", func(u BrainUpdate) {})
	if !errors.Is(err, ErrMaxToolIterations) {
		t.Fatalf("expected ErrMaxToolIterations, got %v", err)
	}
	if text == "" {
		t.Errorf("expected a synthetic exhaustion message, got empty string")
	}
}

func TestBrain_Run_PersistsToolCallAndResultToSession(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(newCalculatorTool())

	llm := &scriptedStreamer{turns: [][]LLMEvent{
		toolCallTurn("call-1", "calculator", `{"expression":"2 + 2"}`),
		textTurn("the answer is 4"),
	}}
	brain := NewBrain(llm, reg, testConfig(), nil)
	session := NewConversationSession("persist-test")
	session.AddMessage("user", "what is 2+2?")

	text, err := brain.Run(context.Background(), session, "msg-persist", func(BrainUpdate) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "the answer is 4" {
		t.Errorf("expected final text, got %q", text)
	}

	history := session.GetHistoryCopy()
	var sawPair bool
	for i, item := range history {
		if item.Kind != HistoryToolCall {
			continue
		}
		if item.ToolCallID != "call-1" || item.ToolName != "calculator" {
			t.Errorf("unexpected tool call item: %+v", item)
		}
		if i+1 >= len(history) || history[i+1].Kind != HistoryToolResult || history[i+1].ToolResultID != "call-1" {
			t.Fatalf("expected ToolResult to immediately follow ToolCall, got %+v", history)
		}
		sawPair = true
	}
	if !sawPair {
		t.Fatalf("expected a persisted ToolCall/ToolResult pair, got history: %+v", history)
	}

	// Brain only persists intermediate rounds that led to a tool call; the
	// final turn-ending text is the caller's responsibility (managed_stream.go
	// only writes it once it knows the turn wasn't cancelled).
	for _, item := range history {
		if item.Kind == HistoryAssistant && item.Text == "the answer is 4" {
			t.Fatalf("did not expect Brain to persist the final turn text itself, got %+v", history)
		}
	}
}

func TestBrain_Run_CancelledMidToolRound_NoDanglingToolCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	reg := NewToolRegistry()
	reg.Register(&Tool{
		Name:        "cancel_tool",
		Description: "cancels the run's context as a side effect of its first call",
		Handler: func(_ context.Context, _ map[string]interface{}) (string, error) {
			cancel()
			return "done", nil
		},
	})

	twoCalls := []LLMEvent{
		{Type: LLMEventToolCallStart, ToolCallID: "call-1", ToolCallName: "cancel_tool"},
		{Type: LLMEventToolCallDelta, ToolCallID: "call-1", ArgsDelta: "{}"},
		{Type: LLMEventToolCallEnd, ToolCallID: "call-1"},
		{Type: LLMEventToolCallStart, ToolCallID: "call-2", ToolCallName: "cancel_tool"},
		{Type: LLMEventToolCallDelta, ToolCallID: "call-2", ArgsDelta: "{}"},
		{Type: LLMEventToolCallEnd, ToolCallID: "call-2"},
		{Type: LLMEventDone},
	}
	llm := &scriptedStreamer{turns: [][]LLMEvent{twoCalls}}
	brain := NewBrain(llm, reg, testConfig(), nil)
	session := NewConversationSession("cancel-test")
	session.AddMessage("user", "run two tools")

	_, err := brain.Run(ctx, session, "msg-cancel", func(BrainUpdate) {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	history := session.GetHistoryCopy()
	var calls, results int
	for i, item := range history {
		switch item.Kind {
		case HistoryToolCall:
			calls++
			if i+1 >= len(history) || history[i+1].Kind != HistoryToolResult || history[i+1].ToolResultID != item.ToolCallID {
				t.Fatalf("found a ToolCall without its paired ToolResult: %+v", history)
			}
		case HistoryToolResult:
			results++
		}
	}
	if calls != 1 || results != 1 {
		t.Fatalf("expected exactly 1 completed ToolCall/ToolResult pair and no dangling call-2, got history: %+v", history)
	}
}

func TestBrain_Run_ContextCancelled(t *testing.T) {
	llm := &scriptedStreamer{turns: [][]LLMEvent{textTurn("unreachable")}}
	brain := NewBrain(llm, NewToolRegistry(), testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := brain.Run(ctx, nil, "msg-5", func(u BrainUpdate) {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// mockPlainLLM implements only LLMProvider (no StreamComplete), exercising
// Brain's nonStreamingBrainAdapter fallback path.
type mockPlainLLM struct{}

func (m *mockPlainLLM) Name() string { return "mock-plain" }

func (m *mockPlainLLM) Complete(ctx context.Context, messages []Message) (string, error) {
	return "plain reply", nil
}

func TestBrain_Run_NonStreamingAdapter(t *testing.T) {
	brain := NewBrain(&mockPlainLLM{}, NewToolRegistry(), testConfig(), nil)

	text, err := brain.Run(context.Background(), nil, "msg-6", func(u BrainUpdate) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "plain reply" {
		t.Errorf("expected 'plain reply', got %q", text)
	}
}

func TestBrain_RunOneTurn_InactivityTimeout(t *testing.T) {
	// a streamer whose channel never emits anything and never closes
	never := make(chan LLMEvent)
	llm := &neverStreamer{ch: never}
	brain := NewBrain(llm, NewToolRegistry(), testConfig(), nil)

	_, _, err := brain.runOneTurn(context.Background(), llm, nil, nil, "msg-7", 0, 10*time.Millisecond, func(u BrainUpdate) {})
	if !errors.Is(err, ErrLLMFailed) {
		t.Fatalf("expected ErrLLMFailed from inactivity timeout, got %v", err)
	}
}

type neverStreamer struct {
	ch chan LLMEvent
}

func (n *neverStreamer) Name() string { return "never" }
func (n *neverStreamer) Complete(ctx context.Context, messages []Message) (string, error) {
	return "", nil
}
func (n *neverStreamer) StreamComplete(ctx context.Context, turns []LLMTurnMessage, tools []ToolDefinition) (<-chan LLMEvent, error) {
	return n.ch, nil
}
