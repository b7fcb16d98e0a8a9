package sqlguard

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// SlackConfig configures the incoming-webhook channel.
type SlackConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	WebhookURL    string `yaml:"webhookUrl" json:"-"`
	MentionPrefix string `yaml:"mentionPrefix" json:"mentionPrefix,omitempty"`
	TimeoutMs     int    `yaml:"timeoutMs" json:"timeoutMs"`
	Username      string `yaml:"username" json:"username,omitempty"`
	IconEmoji     string `yaml:"iconEmoji" json:"iconEmoji,omitempty"`
}

type slackMessage struct {
	Text      string `json:"text"`
	Username  string `json:"username,omitempty"`
	IconEmoji string `json:"icon_emoji,omitempty"`
}

// SlackSender posts findings to a Slack incoming webhook.
type SlackSender struct {
	cfg    SlackConfig
	client *fasthttp.Client
}

func NewSlackSender(cfg SlackConfig) *SlackSender {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 4000
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	return &SlackSender{
		cfg: cfg,
		client: &fasthttp.Client{
			Name:                "sqlguard-notifier",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

func (s *SlackSender) Name() Channel {
	return ChannelSlack
}

func (s *SlackSender) Send(ctx context.Context, payload *NotificationPayload) error {
	url := strings.TrimSpace(s.cfg.WebhookURL)
	if url == "" {
		return deliveryErrorf("CONFIG", "slack webhook url is not set")
	}
	text := payload.Message
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if s.cfg.MentionPrefix != "" {
		text = s.cfg.MentionPrefix + " " + text
	}
	body, err := json.Marshal(slackMessage{Text: text, Username: s.cfg.Username, IconEmoji: s.cfg.IconEmoji})
	if err != nil {
		return deliveryErrorf("ERROR", "marshal slack payload: %v", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json; charset=utf-8")
	req.SetBody(body)

	deadline := time.Now().Add(time.Duration(s.cfg.TimeoutMs) * time.Millisecond)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return deliveryErrorf("TIMEOUT", "SLACK_WEBHOOK_ERROR: %v", err)
		}
		return deliveryErrorf("TRANSPORT", "SLACK_WEBHOOK_ERROR: %v", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return deliveryErrorf("HTTP_"+strconv.Itoa(code), "SLACK_WEBHOOK_HTTP_%d: %s", code, resp.Body())
	}
	return nil
}
