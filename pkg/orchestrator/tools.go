package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/duplexvoice/orchestrator/pkg/metrics"
)

// ToolHandler executes a tool's validated arguments and returns either a
// result string or an error that becomes a ToolResult with status=error.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (string, error)

// Tool is one callable entry in the ToolRegistry: a name, description,
// JSON-Schema-shaped parameter contract, and the handler that invokes it.
type Tool struct {
	Name             string
	Description      string
	ParametersSchema map[string]interface{}
	Handler          ToolHandler
}

// ToolDefinition is the wire-facing shape handed to an LLMProvider's tool
// catalog (name/description/schema only, no handler).
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema map[string]interface{}
}

// ToolRegistry holds the set of tools available to Brain for one session.
// Registration happens once at session construction (spec §4.6); lookups
// afterward are read-only, so no locking is needed.
type ToolRegistry struct {
	tools map[string]*Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*Tool)}
}

func (r *ToolRegistry) Register(t *Tool) {
	r.tools[t.Name] = t
}

func (r *ToolRegistry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the tool catalog in a stable (name-sorted) order, the
// shape Brain hands to StreamComplete.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, ToolDefinition{
			Name:             t.Name,
			Description:      t.Description,
			ParametersSchema: t.ParametersSchema,
		})
	}
	return defs
}

// Invoke validates argsJSON against the tool's declared schema, then calls
// its handler under a timeout. Schema violations and timeouts are reported
// as errors, never panics — the caller (Brain) turns them into a ToolResult
// with status=error per spec §4.5.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, argsJSON string, timeout time.Duration) (result string, err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.ToolInvocations.WithLabelValues(name, status).Inc()
	}()

	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	var args map[string]interface{}
	if argsJSON == "" {
		argsJSON = "{}"
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("%w: %v", ErrToolSchemaViolation, err)
	}

	if t.ParametersSchema != nil {
		schemaLoader := gojsonschema.NewGoLoader(t.ParametersSchema)
		docLoader := gojsonschema.NewGoLoader(args)
		result, err := gojsonschema.Validate(schemaLoader, docLoader)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrToolSchemaViolation, err)
		}
		if !result.Valid() {
			return "", fmt.Errorf("%w: %v", ErrToolSchemaViolation, result.Errors())
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type invokeResult struct {
		content string
		err     error
	}
	done := make(chan invokeResult, 1)
	go func() {
		content, err := t.Handler(callCtx, args)
		done <- invokeResult{content: content, err: err}
	}()

	select {
	case res := <-done:
		return res.content, res.err
	case <-callCtx.Done():
		return "", fmt.Errorf("%w: %s", ErrToolTimeout, name)
	}
}

// --- Reference tools (spec §4.6, §8 scenario 2) ---

var timeToolSchema = map[string]interface{}{
	"type":       "object",
	"properties": map[string]interface{}{},
}

func newTimeTool() *Tool {
	return &Tool{
		Name:             "time",
		Description:      "Returns the current date and time.",
		ParametersSchema: timeToolSchema,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return time.Now().Format("2006-01-02 15:04:05"), nil
		},
	}
}

var calculatorToolSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"expression": map[string]interface{}{
			"type":        "string",
			"description": "An arithmetic expression such as '2 + 2 * 3'.",
		},
	},
	"required": []interface{}{"expression"},
}

func newCalculatorTool() *Tool {
	return &Tool{
		Name:             "calculator",
		Description:      "Evaluates a simple arithmetic expression (+, -, *, /, parentheses).",
		ParametersSchema: calculatorToolSchema,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			expr, _ := args["expression"].(string)
			result, err := evalArithmetic(expr)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%g", result), nil
		},
	}
}

var webSearchToolSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"query": map[string]interface{}{
			"type":        "string",
			"description": "The search query.",
		},
	},
	"required": []interface{}{"query"},
}

// newWebSearchTool builds a Serper-backed web search tool. Only registered
// by NewDefaultToolRegistry when an API key is present (spec §4.6: "Tools
// requiring external credentials are registered only when credentials are
// present at construction time").
func newWebSearchTool(apiKey string, client *http.Client) *Tool {
	if client == nil {
		client = http.DefaultClient
	}
	return &Tool{
		Name:             "web_search",
		Description:      "Searches the web and returns a short summary of the top results.",
		ParametersSchema: webSearchToolSchema,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("web_search: empty query")
			}
			return serperSearch(ctx, client, apiKey, query)
		},
	}
}

// NewDefaultToolRegistry builds the three reference tools this core ships
// with (spec §4.6): time, calculator, and web_search (gated on serperAPIKey).
func NewDefaultToolRegistry(serperAPIKey string, httpClient *http.Client) *ToolRegistry {
	r := NewToolRegistry()
	r.Register(newTimeTool())
	r.Register(newCalculatorTool())
	if serperAPIKey != "" {
		r.Register(newWebSearchTool(serperAPIKey, httpClient))
	}
	return r
}
