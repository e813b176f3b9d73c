package openai

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
)

const defaultModelName = "gpt-4o-mini"

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client 基于 openai-go 实现流式模型调用。
type Client struct {
	client openai.Client
	model  string
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

// Stream 发起一次流式模型调用。
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: buildMessages(req),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	raw := c.client.Chat.Completions.NewStreaming(ctx, params)
	return &stream{raw: raw}, nil
}

// buildMessages 把内部消息转换为 OpenAI 的参数结构。
func buildMessages(req llm.Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case llm.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case llm.RoleAssistant:
			messages = append(messages, assistantMessage(msg))
		case llm.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.ToolCallID, msg.Content))
		}
	}
	return messages
}

// assistantMessage 还原带工具调用的 assistant 消息。
func assistantMessage(msg llm.Message) openai.ChatCompletionMessageParamUnion {
	if len(msg.ToolCalls) == 0 {
		return openai.AssistantMessage(msg.Content)
	}

	param := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		param.Content.OfString = openai.String(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		param.ToolCalls = append(param.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &param}
}

func buildTools(specs []llm.ToolSpec) []openai.ChatCompletionToolUnionParam {
	tools := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
			Parameters:  openai.FunctionParameters(spec.Parameters),
		}))
	}
	return tools
}

// stream 包装 SSE 流，文本增量边到边发，工具调用在流结束后
// 由累加器拼装完整再发出。
type stream struct {
	raw     *ssestream.Stream[openai.ChatCompletionChunk]
	acc     openai.ChatCompletionAccumulator
	pending []llm.Event
	done    bool
}

// Recv 返回下一个事件，读尽后返回 io.EOF。
func (s *stream) Recv() (llm.Event, error) {
	if len(s.pending) > 0 {
		return s.pop(), nil
	}
	if s.done {
		return llm.Event{}, io.EOF
	}

	for s.raw.Next() {
		chunk := s.raw.Current()
		s.acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				return llm.Event{Kind: llm.EventTextDelta, Text: delta}, nil
			}
		}
	}

	s.done = true
	if err := s.raw.Err(); err != nil {
		return llm.Event{}, xerrors.Wrap(xerrors.CodeModelFailure, err, "读取模型流失败")
	}
	if len(s.acc.Choices) == 0 {
		return llm.Event{}, xerrors.New(xerrors.CodeModelFailure, "模型响应中没有有效的 choices")
	}

	message := s.acc.Choices[0].Message
	finish := &llm.FinishInfo{Content: message.Content}
	for _, tc := range message.ToolCalls {
		call := llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}
		finish.ToolCalls = append(finish.ToolCalls, call)
		callCopy := call
		s.pending = append(s.pending, llm.Event{Kind: llm.EventToolCall, ToolCall: &callCopy})
	}
	s.pending = append(s.pending, llm.Event{Kind: llm.EventFinish, Finish: finish})
	return s.pop(), nil
}

func (s *stream) pop() llm.Event {
	event := s.pending[0]
	s.pending = s.pending[1:]
	return event
}

// Close 释放底层连接。
func (s *stream) Close() error {
	return s.raw.Close()
}
