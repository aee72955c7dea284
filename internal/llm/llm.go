// Package llm drives the upstream chat-completion stream for a session and
// turns the growing response into encrypted outbound chunks.
package llm

import (
	"context"

	"github.com/burrowchat/burrow/internal/session"
)

// ToolCall is a tool invocation requested by the model mid-stream.
type ToolCall struct {
	ID   string
	Name string
	Args string
}

// Turn is one message in the upstream conversation. It extends the
// session history entry with the tool-call plumbing the upstream API
// needs within a single turn.
type Turn struct {
	Role       session.Role
	Text       string
	ToolCalls  []ToolCall // assistant turn that requested tools
	ToolCallID string     // tool turn answering a specific call
}

// Result is the outcome of one streaming pass. When ToolCalls is
// non-empty the model paused to call tools; the caller executes them,
// extends the conversation, and streams again.
type Result struct {
	Text      string
	ToolCalls []ToolCall
}

// Streamer abstracts the upstream streaming chat-completion endpoint.
// Implementations call emit for every text fragment as it arrives.
type Streamer interface {
	Stream(ctx context.Context, conv []Turn, emit func(text string) error) (*Result, error)
}

// Searcher abstracts the web_search tool backend.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}
