package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultSearchEndpoint = "https://api.perplexity.ai/chat/completions"

// SearchClient implements the web_search tool against the Perplexity API.
type SearchClient struct {
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
}

// NewSearchClient creates a Perplexity-backed Searcher.
func NewSearchClient(apiKey string) *SearchClient {
	return &SearchClient{
		apiKey:   apiKey,
		endpoint: defaultSearchEndpoint,
		model:    "sonar",
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type searchRequest struct {
	Model    string          `json:"model"`
	Messages []searchMessage `json:"messages"`
}

type searchMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type searchResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Search runs one query and returns the answer text.
func (c *SearchClient) Search(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(searchRequest{
		Model:    c.model,
		Messages: []searchMessage{{Role: "user", Content: query}},
	})
	if err != nil {
		return "", fmt.Errorf("llm: search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: search: unexpected status %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("llm: search response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: search response: no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
