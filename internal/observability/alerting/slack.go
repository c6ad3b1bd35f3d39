package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender 通过 Slack Incoming Webhook 发送消息。
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender 创建带超时的 webhook 发送器。
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Send 实现 SlackSender。channel 为空时使用 webhook 的默认频道。
func (s *WebhookSender) Send(ctx context.Context, channel, content string) error {
	if s == nil || s.URL == "" {
		return errors.New("slack webhook url 未配置")
	}
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 Slack 消息失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook 返回 %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
