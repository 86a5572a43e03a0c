package orchestrator

import "testing"

func TestMessage(t *testing.T) {
	msg := Message{Role: "user", Content: "Hello"}
	if msg.Role != "user" {
		t.Errorf("Expected role 'user', got '%s'", msg.Role)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", cfg.SampleRate)
	}
	if cfg.MaxContextMessages != 20 {
		t.Errorf("Expected max messages 20, got %d", cfg.MaxContextMessages)
	}
}

func TestNewConversationSession(t *testing.T) {
	session := NewConversationSession("user_123")
	if session.ID != "user_123" {
		t.Errorf("Expected ID 'user_123', got '%s'", session.ID)
	}
	if len(session.History) != 0 {
		t.Errorf("Expected empty history")
	}
}

func TestAddMessage(t *testing.T) {
	session := NewConversationSession("user_456")
	session.AddMessage("user", "Hello")
	if len(session.History) != 1 {
		t.Errorf("Expected 1 message")
	}
	if session.History[0].Kind != HistoryUser {
		t.Errorf("Expected HistoryUser kind, got %v", session.History[0].Kind)
	}
	if session.LastUser != "Hello" {
		t.Errorf("Expected last user 'Hello'")
	}
}

func TestClearContext(t *testing.T) {
	session := NewConversationSession("user_789")
	session.AddMessage("user", "Test")
	session.ClearContext()
	if len(session.History) != 0 {
		t.Errorf("Expected empty history after clear")
	}
}

func TestEvictLocked_PreservesSystemAndToolPairs(t *testing.T) {
	session := NewConversationSession("user_evict")
	session.MaxMessages = 3
	session.AddMessage("system", "you are a helpful assistant")
	session.AddMessage("user", "turn 1")
	session.AddMessage("assistant", "reply 1")
	session.AddToolCall("call-1", "calculator", `{"expression":"1+1"}`)
	session.AddToolResult("call-1", "2", "ok")
	session.AddMessage("user", "turn 2")
	session.AddMessage("assistant", "reply 2")

	history := session.GetHistoryCopy()
	if history[0].Kind != HistorySystem {
		t.Fatalf("expected system prompt to survive eviction, got %v", history[0].Kind)
	}
	for i, item := range history {
		if item.Kind == HistoryToolCall {
			if i+1 >= len(history) || history[i+1].Kind != HistoryToolResult || history[i+1].ToolResultID != item.ToolCallID {
				t.Fatalf("expected ToolCall at %d to keep its paired ToolResult, got dangling call", i)
			}
		}
	}
}
