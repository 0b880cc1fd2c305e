package llm

import (
	"context"
	"fmt"

	"github.com/colloquy-ai/colloquy/pkg/models"
)

// EchoClient is a development ModelClient: it streams back the latest user
// message prefixed with the agent id and ends the conversation. Useful for
// running the server without a provider and for tests.
type EchoClient struct{}

// NewEchoClient creates an EchoClient.
func NewEchoClient() *EchoClient { return &EchoClient{} }

// Invoke implements ModelClient.
func (c *EchoClient) Invoke(ctx context.Context, input *InvokeInput) (<-chan Chunk, error) {
	out := make(chan Chunk, 4)
	go func() {
		defer close(out)

		var last string
		for i := len(input.Transcript) - 1; i >= 0; i-- {
			if input.Transcript[i].Source == models.UserSource {
				last = input.Transcript[i].Content
				break
			}
		}

		chunks := []Chunk{
			&TextChunk{Content: fmt.Sprintf("[%s] %s", input.AgentID, last)},
			&TextChunk{Content: " DONE"},
			&UsageChunk{PromptTokens: len(last) / 4, CompletionTokens: len(last) / 4, TotalTokens: len(last) / 2},
		}
		for _, chunk := range chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close implements ModelClient.
func (c *EchoClient) Close() error { return nil }
