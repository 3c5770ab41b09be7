package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/concierge/internal/httpkit"
)

// OllamaClient calls a local Ollama server's /api/chat endpoint.
type OllamaClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewOllamaClient returns a client for baseURL, defaulting to the
// standard local port.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpkit.NewClient(httpkit.WithTimeout(5*time.Minute), httpkit.WithRetry(2, time.Second), httpkit.WithLogger(logger)),
		logger:  logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Chat implements [Client].
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*Response, error) {
	req := ollamaRequest{Model: model, Stream: false}
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content, ToolName: m.ToolName}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		req.Messages = append(req.Messages, om)
	}
	for _, t := range tools {
		if t.Parameters == nil {
			t.Parameters = emptySchema()
		}
		req.Tools = append(req.Tools, ollamaTool{Type: "function", Function: t})
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, levelTrace, "request payload", "json", string(data))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var or ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &Response{
		Model:        or.Model,
		StopReason:   or.DoneReason,
		InputTokens:  or.PromptEvalCount,
		OutputTokens: or.EvalCount,
		Message:      Message{Role: RoleAssistant, Content: or.Message.Content},
	}
	for _, tc := range or.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID:        newCallID(),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if len(out.Message.ToolCalls) == 0 {
		if calls := parseTextToolCalls(out.Message.Content); len(calls) > 0 {
			out.Message.ToolCalls = calls
			out.Message.Content = ""
		}
	}

	c.logger.Debug("response received", "model", out.Model, "tool_calls", len(out.Message.ToolCalls))
	return out, nil
}

// Ping checks that the server answers.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama ping: status %d", resp.StatusCode)
	}
	return nil
}

// Ollama does not assign call IDs, but results are matched to calls by
// ID, so one is generated.
func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// parseTextToolCalls recovers tool calls that smaller models write into
// the message text instead of the tool_calls field: a JSON object, a
// JSON array, or either wrapped in <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "<tool_call>"); i >= 0 {
		content = content[i+len("<tool_call>"):]
		if j := strings.Index(content, "</tool_call>"); j >= 0 {
			content = content[:j]
		}
		content = strings.TrimSpace(content)
	}
	if content == "" || (content[0] != '{' && content[0] != '[') {
		return nil
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	var calls []textCall
	if content[0] == '[' {
		if err := json.Unmarshal([]byte(content), &calls); err != nil {
			return nil
		}
	} else {
		var one textCall
		if err := json.Unmarshal([]byte(content), &one); err != nil {
			return nil
		}
		calls = []textCall{one}
	}

	var out []ToolCall
	for _, tc := range calls {
		if tc.Name == "" {
			continue
		}
		if tc.Arguments == nil {
			tc.Arguments = map[string]any{}
		}
		out = append(out, ToolCall{ID: newCallID(), Name: tc.Name, Arguments: tc.Arguments})
	}
	return out
}
