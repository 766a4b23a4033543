package openai

import (
	"context"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/adapters/llm"
)

type API struct {
	client       *openai.Client
	systemPrompt string
	model        string
	parameters   *llm.GenerationParameters
	logger       *log.Entry
}

const DefaultModel = "gpt-4o-mini"

func NewOpenAI(apiKey, model, baseURL string, logger *log.Entry) *API {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	api := &API{
		client: openai.NewClientWithConfig(config),
		logger: logger,
	}
	api.WithModel(model)
	api.WithParameters(nil)
	return api
}

func (o *API) WithModel(modelName string) *API {
	if modelName == "" {
		modelName = DefaultModel
	}
	o.model = modelName
	return o
}

// WithParameters uses a low temperature when nil, the oracle wants stable numbers.
func (o *API) WithParameters(parameters *llm.GenerationParameters) *API {
	if parameters == nil {
		parameters = &llm.GenerationParameters{
			Temperature:     0.1,
			TopP:            0.9,
			MaxOutputTokens: 512,
		}
	}
	o.parameters = parameters
	return o
}

func (o *API) WithSystemPrompt(prompt string) *API {
	o.systemPrompt = prompt
	return o
}

func (o *API) ChatCompletion(ctx context.Context, messages []llm.ChatCompletionMessage) (llm.ChatCompletionResponse, error) {
	systemPrompt := o.systemPrompt
	openaiMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	for _, msg := range messages {
		if msg.Role == openai.ChatMessageRoleSystem {
			systemPrompt = msg.Content
			continue
		}
		openaiMessages = append(openaiMessages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	if systemPrompt != "" {
		openaiMessages = append([]openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		}}, openaiMessages...)
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    openaiMessages,
		Temperature: o.parameters.Temperature,
		TopP:        o.parameters.TopP,
		MaxTokens:   int(o.parameters.MaxOutputTokens),
	})
	if err != nil {
		return llm.ChatCompletionResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return llm.ChatCompletionResponse{}, nil
	}
	o.logger.WithField("model", o.model).WithField("tokens", resp.Usage.TotalTokens).Trace("chat completion done")

	return llm.ChatCompletionResponse{
		Choices: []llm.ChatCompletionChoice{{
			Message: llm.ChatCompletionMessage{
				Role:    resp.Choices[0].Message.Role,
				Content: resp.Choices[0].Message.Content,
			},
		}},
	}, nil
}
