// Package orchestrator 驱动一轮对话：模型流式推理、工具分发、
// 交易安全管道提交，以及轮末一次性的对话持久化。
package orchestrator

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"strings"

	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/errtrack"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/txsafe"
	"ChainPilot/pkg/logger"
)

// EventKind 标识推送给客户端的增量事件类型。
type EventKind string

const (
	EventTextDelta  EventKind = "text-delta"
	EventToolCall   EventKind = "tool-call"
	EventToolResult EventKind = "tool-result"
	EventMessageID  EventKind = "message-id"
	EventAnnotation EventKind = "annotation"
)

// Event 是写入响应流的单个事件，按 NDJSON 逐条下发。
type Event struct {
	Type       EventKind   `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	ToolName   string      `json:"toolName,omitempty"`
	Payload    any         `json:"payload,omitempty"`
	ChatID     string      `json:"chatId,omitempty"`
	MessageID  string      `json:"messageId,omitempty"`
	Annotation *Annotation `json:"annotation,omitempty"`
}

// Annotation 携带轮内的带外状态，例如交易排队进度。
type Annotation struct {
	Kind   string `json:"kind"`
	TxID   string `json:"txId,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Sink 接收事件；返回错误表示客户端已不可写，推流应停止。
type Sink func(Event) error

// TurnMessage 是客户端提交的一条历史消息。
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest 描述一轮对话的输入。
type TurnRequest struct {
	OwnerID  string
	ChatID   string
	Model    string
	Messages []TurnMessage
}

// TurnResult 是一轮对话结束后的汇总。
type TurnResult struct {
	ChatID    string
	MessageID string
	Content   string
}

// defaultMaxSteps 是单轮允许的模型调用次数上限。
const defaultMaxSteps = 5

// defaultSystemPrompt is sent to the model verbatim.
const defaultSystemPrompt = `You are ChainPilot, an on-chain assistant that can quote token prices, ` +
	`stake, swap, mint NFTs, deploy and launch tokens, and analyze market data. ` +
	`Use the provided tools to answer; never fabricate on-chain data. ` +
	`When a tool reports that data is unavailable, say so plainly instead of guessing. ` +
	`Transactions are simulated and queued through a protection pipeline; report the ` +
	`queue status the tools return rather than promising instant execution.`

// Orchestrator 将模型、工具注册表、交易管道与对话服务编排为单轮状态机。
type Orchestrator struct {
	model    llm.StreamClient
	registry *tools.Registry
	pipeline *txsafe.Pipeline
	chats    *chat.Service
	tracker  *errtrack.Tracker
	log      *slog.Logger

	maxSteps     int
	systemPrompt string
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithMaxSteps 覆盖单轮模型调用上限。
func WithMaxSteps(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithSystemPrompt 覆盖系统提示词。
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(prompt) != "" {
			o.systemPrompt = prompt
		}
	}
}

// WithTracker 配置错误追踪器。
func WithTracker(tracker *errtrack.Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = tracker
	}
}

// WithPipeline 配置交易安全管道；未配置时改写类工具返回的指令将被拒绝。
func WithPipeline(pipeline *txsafe.Pipeline) Option {
	return func(o *Orchestrator) {
		o.pipeline = pipeline
	}
}

// New 创建编排器。
func New(model llm.StreamClient, registry *tools.Registry, chats *chat.Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:        model,
		registry:     registry,
		chats:        chats,
		log:          logger.Named("orchestrator"),
		maxSteps:     defaultMaxSteps,
		systemPrompt: defaultSystemPrompt,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// segment 记录一步模型输出及其工具往返，供轮末落库。
type segment struct {
	text      string
	toolCalls []llm.ToolCall
	results   map[string]string
}

// Run 执行一轮对话。事件经 sink 实时下发；整轮消息在结束时
// 恰好持久化一次，持久化失败只记录，不中断已经下发的流。
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest, sink Sink) (*TurnResult, error) {
	if o.model == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置模型客户端")
	}
	if len(req.Messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArguments, "消息列表不能为空")
	}

	userText := lastUserText(req.Messages)
	conv, err := o.chats.Ensure(ctx, req.OwnerID, req.ChatID, userText)
	if err != nil {
		return nil, err
	}

	transcript := toModelMessages(req.Messages)
	var segments []*segment
	done := false

	for step := 1; step <= o.maxSteps; step++ {
		seg, err := o.modelStep(ctx, req.Model, transcript, sink)
		if err != nil {
			o.track(ctx, err)
			// 已经产生的内容仍然落库，避免丢失半轮对话。
			break
		}
		segments = append(segments, seg)

		if len(seg.toolCalls) == 0 {
			done = true
			break
		}
		if step == o.maxSteps {
			// 到达步数上限：不再执行新的工具调用，也不再回灌模型。
			o.emit(sink, Event{Type: EventAnnotation, Annotation: &Annotation{
				Kind:   "step-limit",
				Detail: "tool budget for this turn is exhausted",
			}})
			seg.toolCalls = nil
			break
		}

		transcript = append(transcript, assistantWithCalls(seg))
		for _, tc := range seg.toolCalls {
			payload := o.runTool(ctx, tc, sink)
			seg.results[tc.ID] = payload
			transcript = append(transcript, llm.Message{
				Role:       llm.RoleTool,
				Content:    payload,
				ToolCallID: tc.ID,
			})
		}
	}

	result := &TurnResult{ChatID: conv.ID, Content: joinText(segments)}
	o.persistTurn(ctx, req.OwnerID, conv.ID, userText, segments, sink, result)

	if !done && ctx.Err() != nil {
		return result, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "本轮对话被取消")
	}
	return result, nil
}

// modelStep 调用一次模型并将文本增量实时下发。
func (o *Orchestrator) modelStep(ctx context.Context, model string, transcript []llm.Message, sink Sink) (*segment, error) {
	stream, err := o.model.Stream(ctx, llm.Request{
		Model:    model,
		System:   o.systemPrompt,
		Messages: transcript,
		Tools:    o.registry.Specs(),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "打开模型流失败")
	}
	defer func() { _ = stream.Close() }()

	seg := &segment{results: make(map[string]string)}
	for {
		event, err := stream.Recv()
		if stdErrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch event.Kind {
		case llm.EventTextDelta:
			seg.text += event.Text
			o.emit(sink, Event{Type: EventTextDelta, Text: event.Text})
		case llm.EventToolCall:
			if event.ToolCall != nil {
				seg.toolCalls = append(seg.toolCalls, *event.ToolCall)
			}
		case llm.EventFinish:
			if event.Finish != nil && event.Finish.Content != "" {
				seg.text = event.Finish.Content
			}
		}
	}
	return seg, nil
}

// runTool 分发单个工具调用并返回回灌模型的 JSON 负载。
// 改写类工具的指令会经交易安全管道提交，排队状态以注解事件下发。
func (o *Orchestrator) runTool(ctx context.Context, tc llm.ToolCall, sink Sink) string {
	o.emit(sink, Event{
		Type:       EventToolCall,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Payload:    json.RawMessage(rawOrEmpty(tc.Arguments)),
	})

	var payload string
	res, err := o.registry.Dispatch(ctx, tools.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	switch {
	case err != nil:
		payload = errorPayload(err)
	case res.Instruction != nil:
		payload = o.submitInstruction(ctx, tc, res, sink)
	default:
		payload = marshalPayload(map[string]any{"result": res.Content})
	}

	o.emit(sink, Event{
		Type:       EventToolResult,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Payload:    json.RawMessage(payload),
	})
	return payload
}

// submitInstruction 把工具产出的链上指令送入管道并转译排队状态。
func (o *Orchestrator) submitInstruction(ctx context.Context, tc llm.ToolCall, res *tools.Result, sink Sink) string {
	if o.pipeline == nil {
		err := xerrors.New(xerrors.CodeInitializationFailure, "未配置交易安全管道",
			xerrors.WithMetadata("tool", tc.Name))
		o.track(ctx, err)
		return errorPayload(err)
	}

	ptx, err := o.pipeline.Submit(ctx, res.Instruction.From.Hex(), res.Instruction)
	if err != nil {
		o.track(ctx, err)
		if ptx != nil {
			o.emit(sink, Event{Type: EventAnnotation, Annotation: &Annotation{
				Kind:   "transaction",
				TxID:   ptx.ID,
				Status: string(ptx.Status),
			}})
		}
		return errorPayload(err)
	}

	o.emit(sink, Event{Type: EventAnnotation, Annotation: &Annotation{
		Kind:   "transaction",
		TxID:   ptx.ID,
		Status: string(ptx.Status),
	}})
	return marshalPayload(map[string]any{
		"result": res.Content,
		"transaction": map[string]any{
			"id":            ptx.ID,
			"status":        string(ptx.Status),
			"queuePosition": ptx.QueuePosition,
		},
	})
}

// persistTurn 轮末一次性落库：丢弃没有终态结果的工具调用，
// 消息 ID 由服务端生成。落库失败仅记录，不回滚已下发的流。
func (o *Orchestrator) persistTurn(ctx context.Context, ownerID, chatID, userText string, segments []*segment, sink Sink, result *TurnResult) {
	msgs := buildTurnMessages(userText, segments)
	if len(msgs) == 0 {
		return
	}

	// 客户端断开不应阻止落库。
	persistCtx := context.WithoutCancel(ctx)
	if err := o.chats.SaveTurn(persistCtx, ownerID, chatID, msgs); err != nil {
		o.track(persistCtx, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存对话轮次失败",
			xerrors.WithMetadata("chat_id", chatID)))
		return
	}

	for _, msg := range msgs {
		if msg.Role == chat.RoleAssistant {
			result.MessageID = msg.ID
			o.emit(sink, Event{Type: EventMessageID, ChatID: chatID, MessageID: msg.ID})
		}
	}
}

// buildTurnMessages 将本轮交互转换为待持久化的消息序列。
func buildTurnMessages(userText string, segments []*segment) []*chat.Message {
	var msgs []*chat.Message
	if strings.TrimSpace(userText) != "" {
		msgs = append(msgs, &chat.Message{
			Role:  chat.RoleUser,
			Parts: []chat.Part{{Type: chat.PartText, Text: userText}},
		})
	}

	var parts []chat.Part
	var toolMsgs []*chat.Message
	for _, seg := range segments {
		if seg.text != "" {
			parts = append(parts, chat.Part{Type: chat.PartText, Text: seg.text})
		}
		for _, tc := range seg.toolCalls {
			payload, ok := seg.results[tc.ID]
			if !ok {
				// 没有终态结果的工具调用不落库。
				continue
			}
			parts = append(parts, chat.Part{
				Type:       chat.PartToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Payload:    tc.Arguments,
			})
			toolMsgs = append(toolMsgs, &chat.Message{
				Role: chat.RoleTool,
				Parts: []chat.Part{{
					Type:       chat.PartToolResult,
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					Payload:    payload,
				}},
			})
		}
	}
	if len(parts) > 0 {
		msgs = append(msgs, &chat.Message{Role: chat.RoleAssistant, Parts: parts})
	}
	return append(msgs, toolMsgs...)
}

func (o *Orchestrator) emit(sink Sink, event Event) {
	if sink == nil {
		return
	}
	if err := sink(event); err != nil {
		o.log.Debug("事件下发失败", "type", string(event.Type), "error", err)
	}
}

func (o *Orchestrator) track(ctx context.Context, err error) {
	if o.tracker != nil {
		o.tracker.Track(ctx, "orchestrator", err)
		return
	}
	o.log.Error("本轮对话出错", "error", err)
}

func lastUserText(messages []TurnMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == string(llm.RoleUser) {
			return messages[i].Content
		}
	}
	return ""
}

func toModelMessages(messages []TurnMessage) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		role := llm.Role(msg.Role)
		switch role {
		case llm.RoleUser, llm.RoleAssistant:
		default:
			role = llm.RoleUser
		}
		out = append(out, llm.Message{Role: role, Content: msg.Content})
	}
	return out
}

func assistantWithCalls(seg *segment) llm.Message {
	return llm.Message{
		Role:      llm.RoleAssistant,
		Content:   seg.text,
		ToolCalls: seg.toolCalls,
	}
}

func joinText(segments []*segment) string {
	var parts []string
	for _, seg := range segments {
		if seg.text != "" {
			parts = append(parts, seg.text)
		}
	}
	return strings.Join(parts, "\n")
}

// errorPayload 将编码后的错误转换为回灌模型的 JSON 负载。
func errorPayload(err error) string {
	inner := map[string]any{
		"code":    string(xerrors.CodeOf(err)),
		"message": err.Error(),
	}
	if coded, ok := xerrors.From(err); ok {
		inner["message"] = coded.Message()
		if metadata := coded.Metadata(); len(metadata) > 0 {
			inner["metadata"] = metadata
		}
	}
	return marshalPayload(map[string]any{"error": inner})
}

func marshalPayload(body any) string {
	raw, err := json.Marshal(body)
	if err != nil {
		return `{"error":{"code":"UNKNOWN","message":"payload encoding failed"}}`
	}
	return string(raw)
}

func rawOrEmpty(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "{}"
	}
	return raw
}
