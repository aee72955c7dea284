package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/burrowchat/burrow/internal/session"
)

// webSearchSchema is the parameter schema advertised for the web_search
// tool when a search backend is configured.
var webSearchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "The search query"}
	},
	"required": ["query"]
}`)

// OpenAIStreamer implements Streamer against any OpenAI-compatible
// chat-completion endpoint.
type OpenAIStreamer struct {
	client     *openai.Client
	model      string
	withSearch bool
}

// NewOpenAIStreamer builds a streamer for the given endpoint. baseURL may
// be empty for the default API host; withSearch advertises the web_search
// tool to the model.
func NewOpenAIStreamer(apiKey, baseURL, model string, withSearch bool) *OpenAIStreamer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIStreamer{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		withSearch: withSearch,
	}
}

// Stream runs one streaming chat completion, emitting text fragments as
// they arrive. Tool-call fragments are accumulated and returned whole.
func (o *OpenAIStreamer) Stream(ctx context.Context, conv []Turn, emit func(string) error) (*Result, error) {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toChatMessages(conv),
		Stream:   true,
	}
	if o.withSearch {
		req.Tools = []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "web_search",
				Description: "Search the web for up-to-date information.",
				Parameters:  webSearchSchema,
			},
		}}
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm: start stream: %w", err)
	}
	defer stream.Close()

	var res Result
	calls := map[int]*ToolCall{}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("llm: stream read: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			res.Text += delta.Content
			if err := emit(delta.Content); err != nil {
				return nil, err
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := calls[idx]
			if !ok {
				acc = &ToolCall{}
				calls[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Args += tc.Function.Arguments
		}
	}

	for i := 0; i < len(calls); i++ {
		if acc, ok := calls[i]; ok {
			res.ToolCalls = append(res.ToolCalls, *acc)
		}
	}
	return &res, nil
}

// toChatMessages converts the conversation into upstream message form.
// Tool turns carrying a call id come from the current turn's tool
// exchange; tool results surviving in history from earlier turns lack an
// id and are replayed as system notes instead, since the upstream API
// rejects orphaned tool messages.
func toChatMessages(conv []Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(conv))
	for _, t := range conv {
		switch t.Role {
		case session.RoleUser:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: t.Text})
		case session.RoleSystem:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: t.Text})
		case session.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: t.Text}
			for _, tc := range t.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Args,
					},
				})
			}
			msgs = append(msgs, m)
		case session.RoleTool:
			if t.ToolCallID != "" {
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    t.Text,
					ToolCallID: t.ToolCallID,
				})
			} else {
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleSystem,
					Content: "[web_search result] " + t.Text,
				})
			}
		}
	}
	return msgs
}
