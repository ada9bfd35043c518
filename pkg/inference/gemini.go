package inference

import (
	"cmp"
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go/v3"
	"google.golang.org/genai"
)

type GeminiInferencer struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiInferencer creates a new inferencer instance using the genai client.
func NewGeminiInferencer(apiKey string, model string) (*GeminiInferencer, error) {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, err
	}
	return &GeminiInferencer{
		client: client,
		apiKey: apiKey,
		model:  model,
	}, nil
}

func (o *GeminiInferencer) ChangeConfig(config *genai.ClientConfig) {
	client, err := genai.NewClient(context.Background(), config)
	if err != nil {
		return
	}
	o.client = client
}

func (o *GeminiInferencer) config(params *openai.ChatCompletionNewParams, system string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		MaxOutputTokens:   int32(cmp.Or(params.MaxCompletionTokens.Value, 4096*4)),
	}
	if params.Temperature.Valid() {
		config.Temperature = genai.Ptr(float32(params.Temperature.Value))
	}
	return config
}

// Infer sends text to the Gemini generate endpoint and returns the output.
func (o *GeminiInferencer) Infer(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string) (string, error) {
	if params == nil {
		params = new(openai.ChatCompletionNewParams)
	}

	result, err := o.client.Models.GenerateContent(
		ctx,
		cmp.Or(params.Model, o.model),
		genai.Text(user),
		o.config(params, system),
	)
	if err != nil {
		return "", classify("gemini", err)
	}

	text := result.Text()
	if text == "" {
		return "", errors.New("empty completion content")
	}
	return text, nil
}

// Stream sends text to the Gemini streaming endpoint.
func (o *GeminiInferencer) Stream(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string, onDelta func(string)) (string, error) {
	if params == nil {
		params = new(openai.ChatCompletionNewParams)
	}

	var sb strings.Builder
	for result, err := range o.client.Models.GenerateContentStream(
		ctx,
		cmp.Or(params.Model, o.model),
		genai.Text(user),
		o.config(params, system),
	) {
		if err != nil {
			return sb.String(), classify("gemini", err)
		}
		delta := result.Text()
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("empty completion content")
	}
	return sb.String(), nil
}
