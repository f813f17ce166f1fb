package openai

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/resilience"
	oai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const DefaultAzureAPIVersion = "2024-12-01-preview"

// Settings configure either the public OpenAI API or an Azure OpenAI
// deployment. Endpoint selects Azure; Model is then the deployment name.
type Settings struct {
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	BaseURL    string        `mapstructure:"base_url"`
	Endpoint   string        `mapstructure:"endpoint"`
	APIVersion string        `mapstructure:"api_version"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

var SettingsSchema = configutil.Schema{
	Required: []string{"api_key", "model"},
	Optional: []string{"base_url", "endpoint", "api_version", "timeout"},
}

// ParseSettings validates and decodes a vendor settings map.
func ParseSettings(provider string, input map[string]any) (Settings, error) {
	var s Settings
	if err := configutil.DecodeProvider(provider, input, SettingsSchema, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Provider streams chat completions through openai-go.
type Provider struct {
	name   string
	model  string
	client oai.Client
}

func New(s Settings) *Provider {
	opts := []option.RequestOption{
		// retries are owned by llm.RetryProvider
		option.WithMaxRetries(0),
	}
	name := "openai"
	if strings.TrimSpace(s.Endpoint) != "" {
		name = "azure_openai"
		version := s.APIVersion
		if version == "" {
			version = DefaultAzureAPIVersion
		}
		opts = append(opts, azure.WithEndpoint(s.Endpoint, version), azure.WithAPIKey(s.APIKey))
	} else {
		opts = append(opts, option.WithAPIKey(s.APIKey))
		if s.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(s.BaseURL))
		}
	}
	if s.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(s.Timeout))
	}
	return &Provider{name: name, model: s.Model, client: oai.NewClient(opts...)}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	params := oai.ChatCompletionNewParams{
		Model:       oai.ChatModel(p.model),
		Messages:    toMessages(req.Messages),
		Temperature: oai.Float(req.Temperature),
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
		params.ParallelToolCalls = oai.Bool(req.ParallelToolCalls)
	}
	s := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		s.Close()
		return nil, p.mapError(err)
	}
	return &stream{provider: p, src: s}, nil
}

func (p *Provider) mapError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		rl := resilience.RateLimitError{Provider: p.name, Message: apiErr.Error()}
		if apiErr.Response != nil {
			rl.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return rl
	}
	return err
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func toMessages(msgs []llm.Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, oai.SystemMessage(m.Content))
		case llm.RoleUser:
			if m.Image == nil {
				out = append(out, oai.UserMessage(m.Content))
				continue
			}
			out = append(out, oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
				oai.TextContentPart(m.Content),
				oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: m.Image.URL}),
			}))
		case llm.RoleAssistant:
			if m.ToolCall == nil {
				out = append(out, oai.AssistantMessage(m.Content))
				continue
			}
			asst := &oai.ChatCompletionAssistantMessageParam{
				ToolCalls: []oai.ChatCompletionMessageToolCallUnionParam{{
					OfFunction: &oai.ChatCompletionMessageFunctionToolCallParam{
						ID: m.ToolCall.ID,
						Function: oai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      m.ToolCall.Name,
							Arguments: m.ToolCall.Arguments,
						},
					},
				}},
			}
			if m.Content != "" {
				asst.Content.OfString = oai.String(m.Content)
			}
			out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: asst})
		case llm.RoleTool:
			out = append(out, oai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func toTools(specs []llm.ToolSpec) []oai.ChatCompletionToolUnionParam {
	out := make([]oai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, t := range specs {
		def := shared.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: shared.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			def.Description = oai.String(t.Description)
		}
		out = append(out, oai.ChatCompletionFunctionTool(def))
	}
	return out
}
