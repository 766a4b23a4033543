package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/iamwavecut/doorman/internal/adapters/llm"
)

type API struct {
	client *genai.Client
	model  *genai.GenerativeModel
	logger *log.Entry
}

const DefaultModel = "gemini-2.5-flash-lite"

func NewGemini(ctx context.Context, apiKey, model string, logger *log.Entry) (*API, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.WithMessage(err, "create gemini client")
	}
	api := &API{
		client: client,
		logger: logger,
	}
	api.WithModel(model)
	api.WithParameters(nil)
	return api, nil
}

func (g *API) Close() error {
	return g.client.Close()
}

func (g *API) WithModel(modelName string) *API {
	if modelName == "" {
		modelName = DefaultModel
	}
	g.model = g.client.GenerativeModel(modelName)
	g.model.SafetySettings = defaultSafetySettings()
	return g
}

func (g *API) WithParameters(parameters *llm.GenerationParameters) *API {
	if parameters == nil {
		parameters = &llm.GenerationParameters{
			Temperature:      0.1,
			TopK:             40,
			TopP:             0.95,
			MaxOutputTokens:  512,
			ResponseMIMEType: "application/json",
		}
	}
	g.model.SetTemperature(parameters.Temperature)
	g.model.SetTopK(parameters.TopK)
	g.model.SetTopP(parameters.TopP)
	g.model.SetMaxOutputTokens(parameters.MaxOutputTokens)
	g.model.ResponseMIMEType = parameters.ResponseMIMEType
	return g
}

func defaultSafetySettings() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	res := make([]*genai.SafetySetting, 0, len(categories))
	for _, c := range categories {
		res = append(res, &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockNone})
	}
	return res
}

func (g *API) ChatCompletion(ctx context.Context, messages []llm.ChatCompletionMessage) (llm.ChatCompletionResponse, error) {
	if len(messages) == 0 {
		return llm.ChatCompletionResponse{}, errors.New("no messages")
	}
	// copy so concurrent calls do not share a system instruction
	model := *g.model
	session := model.StartChat()

	last, history := messages[len(messages)-1], messages[:len(messages)-1]
	for _, message := range history {
		switch message.Role {
		case llm.RoleSystem:
			model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(message.Content)}}
		case llm.RoleAssistant:
			session.History = append(session.History, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(message.Content)}})
		default:
			session.History = append(session.History, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(message.Content)}})
		}
	}

	resp, err := session.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return llm.ChatCompletionResponse{}, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.ChatCompletionResponse{}, nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(fmt.Sprintf("%v", part))
	}
	return llm.ChatCompletionResponse{
		Choices: []llm.ChatCompletionChoice{{Message: llm.ChatCompletionMessage{Role: llm.RoleAssistant, Content: sb.String()}}},
	}, nil
}
