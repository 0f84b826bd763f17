// Package llm holds chat model adapters that plug into the eino graph.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	errx "github.com/threadchat/server/internal/core/error"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// OpenAIChatModel is an eino ToolCallingChatModel backed by the Chat Completions API.
type OpenAIChatModel struct {
	client openai.Client
	cfg    OpenAIConfig
	tools  []openai.ChatCompletionToolUnionParam
}

func NewOpenAIChatModel(cfg OpenAIConfig, opts ...option.RequestOption) (*OpenAIChatModel, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai model name is empty")
	}
	// Retries are owned by WrapModel.
	options := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		options = append(options, option.WithAPIKey(cfg.APIKey))
	}
	options = append(options, opts...)
	return &OpenAIChatModel{client: openai.NewClient(options...), cfg: cfg}, nil
}

func (m *OpenAIChatModel) GetType() string { return "OpenAI" }

// WithTools returns a copy bound to tools; the receiver is unchanged.
func (m *OpenAIChatModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	params, err := toToolParams(tools)
	if err != nil {
		return nil, err
	}
	cp := *m
	cp.tools = params
	return &cp, nil
}

func (m *OpenAIChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	params, err := m.params(input, opts...)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	choice := resp.Choices[0]
	out := &schema.Message{
		Role:    schema.Assistant,
		Content: choice.Message.Content,
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: choice.FinishReason,
			Usage: &schema.TokenUsage{
				PromptTokens:     int(resp.Usage.PromptTokens),
				CompletionTokens: int(resp.Usage.CompletionTokens),
				TotalTokens:      int(resp.Usage.TotalTokens),
			},
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out, nil
}

// Stream reads the first chunk before returning, so connection and request
// errors surface as the returned error rather than inside the stream.
func (m *OpenAIChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	params, err := m.params(input, opts...)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			err = errors.New("openai stream ended before the first chunk")
		}
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](8)
	go func() {
		defer sw.Close()
		defer stream.Close()
		for {
			if msg := chunkMessage(stream.Current()); msg != nil {
				if closed := sw.Send(msg, nil); closed {
					return
				}
			}
			if !stream.Next() {
				break
			}
		}
		if err := stream.Err(); err != nil {
			// the retry wrapper cannot replay a stream that already produced output
			if IsTransient(err) {
				err = errx.ModelUnavailable(err)
			}
			sw.Send(nil, err)
		}
	}()
	return sr, nil
}

func chunkMessage(chunk openai.ChatCompletionChunk) *schema.Message {
	msg := &schema.Message{Role: schema.Assistant}
	useful := false
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			msg.Content = choice.Delta.Content
			useful = true
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := int(tc.Index)
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
				Index: &idx,
				ID:    tc.ID,
				Type:  "function",
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
			useful = true
		}
		if choice.FinishReason != "" {
			msg.ResponseMeta = &schema.ResponseMeta{FinishReason: choice.FinishReason}
			useful = true
		}
	}
	if chunk.Usage.TotalTokens > 0 {
		if msg.ResponseMeta == nil {
			msg.ResponseMeta = &schema.ResponseMeta{}
		}
		msg.ResponseMeta.Usage = &schema.TokenUsage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
		useful = true
	}
	if !useful {
		return nil
	}
	return msg
}

func (m *OpenAIChatModel) params(input []*schema.Message, opts ...einomodel.Option) (openai.ChatCompletionNewParams, error) {
	temperature := m.cfg.Temperature
	maxTokens := m.cfg.MaxTokens
	modelName := m.cfg.Model
	o := einomodel.GetCommonOptions(&einomodel.Options{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		Model:       &modelName,
	}, opts...)

	params := openai.ChatCompletionNewParams{Model: *o.Model}
	if o.Temperature != nil {
		params.Temperature = openai.Float(float64(*o.Temperature))
	}
	if o.MaxTokens != nil && *o.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(*o.MaxTokens))
	}

	params.Tools = m.tools
	if len(o.Tools) > 0 {
		tools, err := toToolParams(o.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}

	for _, msg := range input {
		p, err := toMessageParam(msg)
		if err != nil {
			return params, err
		}
		params.Messages = append(params.Messages, p)
	}
	return params, nil
}

func toMessageParam(msg *schema.Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch msg.Role {
	case schema.System:
		return openai.SystemMessage(msg.Content), nil
	case schema.User:
		return openai.UserMessage(msg.Content), nil
	case schema.Tool:
		return openai.ToolMessage(msg.Content, msg.ToolCallID), nil
	case schema.Assistant:
		p := openai.AssistantMessage(msg.Content)
		for _, tc := range msg.ToolCalls {
			p.OfAssistant.ToolCalls = append(p.OfAssistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				},
			})
		}
		return p, nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported message role %q", msg.Role)
	}
}

func toToolParams(tools []*schema.ToolInfo) ([]openai.ChatCompletionToolUnionParam, error) {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		parameters := openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
		if t.ParamsOneOf != nil {
			js, err := t.ParamsOneOf.ToJSONSchema()
			if err != nil {
				return nil, fmt.Errorf("tool %q schema: %w", t.Name, err)
			}
			if js != nil {
				b, err := json.Marshal(js)
				if err != nil {
					return nil, fmt.Errorf("tool %q schema: %w", t.Name, err)
				}
				parameters = openai.FunctionParameters{}
				if err := json.Unmarshal(b, &parameters); err != nil {
					return nil, fmt.Errorf("tool %q schema: %w", t.Name, err)
				}
			}
		}
		out = append(out, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Desc),
					Parameters:  parameters,
				},
			},
		})
	}
	return out, nil
}

var _ einomodel.ToolCallingChatModel = (*OpenAIChatModel)(nil)
