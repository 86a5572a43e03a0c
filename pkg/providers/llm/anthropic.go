package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/duplexvoice/orchestrator/pkg/orchestrator"
)

type AnthropicLLM struct {
	apiKey string
	url    string
	model  string
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		apiKey: apiKey,
		url:    "https://api.anthropic.com/v1/messages",
		model:  model,
	}
}

func (l *AnthropicLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	
	var system string
	var anthropicMessages []map[string]string

	for _, msg := range messages {
		if msg.Role == "system" {
			system = msg.Content
		} else {
			anthropicMessages = append(anthropicMessages, map[string]string{
				"role":    msg.Role,
				"content": msg.Content,
			})
		}
	}

	payload := map[string]interface{}{
		"model":      l.model,
		"messages":   anthropicMessages,
		"max_tokens": 1024,
	}
	if system != "" {
		payload["system"] = system
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("anthropic llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	if len(result.Content) == 0 {
		return "", fmt.Errorf("no content returned from anthropic")
	}

	return result.Content[0].Text, nil
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}

// anthContentBlock and anthMessage mirror the subset of Anthropic's message
// wire shape StreamComplete needs to round-trip tool_use/tool_result blocks
// across turns.
type anthContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthMessage struct {
	Role    string             `json:"role"`
	Content []anthContentBlock `json:"content"`
}

type anthTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"input_schema"`
}

type anthStreamEvent struct {
	ContentBlock *anthContentBlock `json:"content_block"`
	Delta        *anthDelta        `json:"delta"`
}

type anthDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
}

// StreamComplete implements orchestrator.StreamingLLMProvider: it turns
// Brain's turn history into Anthropic's tool_use/tool_result message shape
// and streams back thought/text/tool-call lifecycle events over SSE.
func (l *AnthropicLLM) StreamComplete(ctx context.Context, turns []orchestrator.LLMTurnMessage, tools []orchestrator.ToolDefinition) (<-chan orchestrator.LLMEvent, error) {
	system, anthMsgs := convertTurnsToAnthropic(turns)
	anthTools := make([]anthTool, 0, len(tools))
	for _, t := range tools {
		anthTools = append(anthTools, anthTool{Name: t.Name, Description: t.Description, InputSchema: t.ParametersSchema})
	}

	payload := map[string]interface{}{
		"model":      l.model,
		"messages":   anthMsgs,
		"max_tokens": 1024,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
	}
	if len(anthTools) > 0 {
		payload["tools"] = anthTools
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic llm error (status %d): %s", resp.StatusCode, string(respBody))
	}

	out := make(chan orchestrator.LLMEvent, 16)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		l.pumpSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

// pumpSSE parses the Anthropic SSE stream, translating content_block_start /
// content_block_delta / content_block_stop / message_stop into LLMEvents.
func (l *AnthropicLLM) pumpSSE(ctx context.Context, body io.Reader, out chan<- orchestrator.LLMEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventType string
	var currentToolID, currentToolName string
	var currentArgs strings.Builder

	send := func(ev orchestrator.LLMEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			send(orchestrator.LLMEvent{Type: orchestrator.LLMEventDone})
			return
		}

		var event anthStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch eventType {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				currentToolID = event.ContentBlock.ID
				currentToolName = event.ContentBlock.Name
				currentArgs.Reset()
				if !send(orchestrator.LLMEvent{Type: orchestrator.LLMEventToolCallStart, ToolCallID: currentToolID, ToolCallName: currentToolName}) {
					return
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					if !send(orchestrator.LLMEvent{Type: orchestrator.LLMEventTextDelta, TextDelta: event.Delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				currentArgs.WriteString(event.Delta.PartialJSON)
				if !send(orchestrator.LLMEvent{Type: orchestrator.LLMEventToolCallDelta, ToolCallID: currentToolID, ArgsDelta: event.Delta.PartialJSON}) {
					return
				}
			}

		case "content_block_stop":
			if currentToolID != "" {
				if !send(orchestrator.LLMEvent{Type: orchestrator.LLMEventToolCallEnd, ToolCallID: currentToolID}) {
					return
				}
				currentToolID = ""
				currentToolName = ""
				currentArgs.Reset()
			}

		case "message_stop":
			send(orchestrator.LLMEvent{Type: orchestrator.LLMEventDone})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(orchestrator.LLMEvent{Type: orchestrator.LLMEventDone, Err: err})
		return
	}
	send(orchestrator.LLMEvent{Type: orchestrator.LLMEventDone})
}

// convertTurnsToAnthropic flattens Brain's LLMTurnMessage history into a
// system string plus Anthropic's role/content-block message list, rebuilding
// tool_use and tool_result blocks from LLMToolCallRequest/ToolCallID.
func convertTurnsToAnthropic(turns []orchestrator.LLMTurnMessage) (string, []anthMessage) {
	var system string
	var msgs []anthMessage

	for _, t := range turns {
		switch {
		case t.Role == "system":
			if system != "" {
				system += "\n"
			}
			system += t.Content
		case t.Role == "tool":
			msgs = append(msgs, anthMessage{
				Role: "user",
				Content: []anthContentBlock{{
					Type:      "tool_result",
					ToolUseID: t.ToolCallID,
					Content:   t.Content,
				}},
			})
		case len(t.ToolCalls) > 0:
			blocks := make([]anthContentBlock, 0, len(t.ToolCalls)+1)
			if t.Content != "" {
				blocks = append(blocks, anthContentBlock{Type: "text", Text: t.Content})
			}
			for _, tc := range t.ToolCalls {
				input := json.RawMessage(tc.InputJSON)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			msgs = append(msgs, anthMessage{Role: "assistant", Content: blocks})
		default:
			msgs = append(msgs, anthMessage{Role: t.Role, Content: []anthContentBlock{{Type: "text", Text: t.Content}}})
		}
	}

	return system, msgs
}
