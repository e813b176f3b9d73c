package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// SlackClient 基于官方 SDK 实现 SlackSender。
type SlackClient struct {
	api *slack.Client
}

// NewSlackClient 根据 Bot Token 创建 Slack 客户端。
func NewSlackClient(token string) (*SlackClient, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("未提供 Slack Token")
	}
	return &SlackClient{api: slack.New(token)}, nil
}

// Send 向指定频道发送一条文本消息。
func (c *SlackClient) Send(ctx context.Context, channel, content string) error {
	_, _, err := c.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(content, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("发送 Slack 消息失败: %w", err)
	}
	return nil
}
