package errtrack

import (
	"context"
	"log/slog"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/pkg/logger"
)

// Tracker 集中处理运行期错误：记录一次日志、按错误码分类，
// 并在属性要求时派发告警。它在启动时构造一次并被注入到各组件。
type Tracker struct {
	log        *slog.Logger
	dispatcher alerting.Dispatcher
}

// Option 配置 Tracker。
type Option func(*Tracker)

// WithDispatcher 指定告警派发器，缺省时只记录日志。
func WithDispatcher(d alerting.Dispatcher) Option {
	return func(t *Tracker) {
		t.dispatcher = d
	}
}

// New 创建错误追踪器。
func New(opts ...Option) *Tracker {
	t := &Tracker{log: logger.Named("errtrack")}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track 记录一个组件级错误。日志只写一次，调用方不应再重复记录。
func (t *Tracker) Track(ctx context.Context, component string, err error) {
	if t == nil || err == nil {
		return
	}

	code := xerrors.CodeOf(err)
	severity := xerrors.SeverityOf(err)
	retryable := xerrors.RetryableError(err)

	attrs := []any{
		slog.String("component", component),
		slog.String("code", string(code)),
		slog.Bool("retryable", retryable),
		slog.String("error", err.Error()),
	}
	switch severity {
	case xerrors.SeverityInfo:
		t.log.Info("组件错误", attrs...)
	case xerrors.SeverityWarning:
		t.log.Warn("组件错误", attrs...)
	default:
		t.log.Error("组件错误", attrs...)
	}

	if t.dispatcher == nil || !xerrors.ShouldAlert(err) {
		return
	}

	event := alerting.Event{
		Code:       code,
		Message:    err.Error(),
		Severity:   severity,
		Component:  component,
		OccurredAt: time.Now(),
	}
	if coded, ok := xerrors.From(err); ok {
		event.Metadata = coded.Metadata()
	}
	if notifyErr := t.dispatcher.Notify(ctx, event); notifyErr != nil {
		t.log.Warn("派发告警失败", slog.String("component", component), slog.Any("error", notifyErr))
	}
}
