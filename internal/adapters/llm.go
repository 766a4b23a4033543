package adapters

import (
	"context"

	"github.com/iamwavecut/doorman/internal/adapters/llm"
)

// LLM is a chat-completion backend used by the remote oracle.
type LLM interface {
	ChatCompletion(ctx context.Context, messages []llm.ChatCompletionMessage) (llm.ChatCompletionResponse, error)
}
