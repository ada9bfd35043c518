package inference

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

// Preset is an OpenAI-compatible endpoint.
type Preset struct {
	Name    string
	BaseURL string
	Model   string
	Options []option.RequestOption
}

var Presets = map[string]Preset{
	"openai": {Name: "openai", Model: "gpt-4.1-mini"},
	"openrouter": {
		Name:    "openrouter",
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "google/gemini-2.5-flash",
		Options: []option.RequestOption{
			option.WithHeader("HTTP-Referer", "http://localhost"),
			option.WithHeader("X-Title", "storyboard"),
		},
	},
	"grok":     {Name: "grok", BaseURL: "https://api.x.ai/v1", Model: "grok-4-fast-reasoning"},
	"kimi":     {Name: "kimi", BaseURL: "https://api.kimi.com/coding/v1", Model: "kimi-for-coding"},
	"moonshot": {Name: "moonshot", BaseURL: "https://api.moonshot.ai/v1", Model: "kimi-k2-5"},
}

// OpenAIInferencer implements Inferencer using OpenAI's official Go SDK. It serves every
// OpenAI-compatible provider through Presets.
type OpenAIInferencer struct {
	client *openai.Client
	name   string
	apiKey string
	model  string
}

// NewOpenAIInferencer creates a new inferencer instance using OpenAI client.
func NewOpenAIInferencer(apiKey string, model string, opts ...option.RequestOption) *OpenAIInferencer {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := openai.NewClient(opts...)
	return &OpenAIInferencer{
		client: &client,
		name:   "openai",
		apiKey: apiKey,
		model:  model,
	}
}

// NewPresetInferencer builds an inferencer for a named OpenAI-compatible provider. baseURL and
// model override the preset when non-empty.
func NewPresetInferencer(provider, apiKey, model, baseURL string) (*OpenAIInferencer, error) {
	preset, ok := Presets[strings.ToLower(provider)]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	opts := append([]option.RequestOption(nil), preset.Options...)
	if url := cmp.Or(baseURL, preset.BaseURL); url != "" {
		opts = append(opts, option.WithBaseURL(url))
	}
	o := NewOpenAIInferencer(apiKey, cmp.Or(model, preset.Model), opts...)
	o.name = preset.Name
	return o, nil
}

func (o *OpenAIInferencer) ChangeBaseURL(baseURL string) {
	client := openai.NewClient(
		option.WithAPIKey(o.apiKey),
		option.WithBaseURL(baseURL),
	)
	o.client = &client
}

func (o *OpenAIInferencer) SetModel(model string) {
	o.model = model
}

func (o *OpenAIInferencer) Model() string { return o.model }

func (o *OpenAIInferencer) prepare(params *openai.ChatCompletionNewParams, system, user string) openai.ChatCompletionNewParams {
	var p openai.ChatCompletionNewParams
	if params != nil {
		p = *params
	}
	p.Model = cmp.Or(p.Model, o.model)
	p.Messages = []openai.ChatCompletionMessageParamUnion{
		{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Role: "system",
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: param.Opt[string]{Value: system},
				},
			}},
		{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Role: "user",
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: param.Opt[string]{Value: user},
				},
			},
		},
	}

	p.MaxCompletionTokens = openai.Int(cmp.Or(p.MaxCompletionTokens.Value, 4096*4))
	p.Temperature = openai.Float(cmp.Or(p.Temperature.Value, 0.3))
	p.TopP = openai.Float(cmp.Or(p.TopP.Value, 1.0))
	return p
}

// Infer sends text to the chat completion endpoint and returns the output.
func (o *OpenAIInferencer) Infer(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.prepare(params, system, user))
	if err != nil {
		return "", classify(o.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	if resp.Choices[0].Message.Content == "" {
		return "", errors.New("empty completion content")
	}

	return resp.Choices[0].Message.Content, nil
}

// Stream sends text to the streaming chat completion endpoint.
func (o *OpenAIInferencer) Stream(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string, onDelta func(string)) (string, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, o.prepare(params, system, user))
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return sb.String(), classify(o.name, err)
	}
	if sb.Len() == 0 {
		return "", errors.New("empty completion content")
	}
	return sb.String(), nil
}
