package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	postmarkEndpoint = "https://api.postmarkapp.com/email"
	postmarkStream   = "outbound"
	defaultTag       = "billing"
)

// Sender delivers a rendered notification email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is an outbound email. Tag and Metadata are forwarded to senders
// that support them; an empty Tag becomes "billing".
type Message struct {
	From     string
	To       string
	Subject  string
	HTML     string
	Text     string
	Tag      string
	Metadata map[string]string
}

// PostmarkSender sends emails via the Postmark HTTP API.
type PostmarkSender struct {
	serverToken string
	endpoint    string
	httpClient  *http.Client
}

// NewPostmarkSender creates a Postmark email sender.
func NewPostmarkSender(serverToken string) *PostmarkSender {
	return &PostmarkSender{
		serverToken: serverToken,
		endpoint:    postmarkEndpoint,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type postmarkRequest struct {
	From          string            `json:"From"`
	To            string            `json:"To"`
	Subject       string            `json:"Subject"`
	HtmlBody      string            `json:"HtmlBody,omitempty"`
	TextBody      string            `json:"TextBody,omitempty"`
	Tag           string            `json:"Tag,omitempty"`
	MessageStream string            `json:"MessageStream"`
	Metadata      map[string]string `json:"Metadata,omitempty"`
}

type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// Send posts msg to Postmark.
func (p *PostmarkSender) Send(ctx context.Context, msg Message) error {
	tag := msg.Tag
	if tag == "" {
		tag = defaultTag
	}
	body, err := json.Marshal(postmarkRequest{
		From:          msg.From,
		To:            msg.To,
		Subject:       msg.Subject,
		HtmlBody:      msg.HTML,
		TextBody:      msg.Text,
		Tag:           tag,
		MessageStream: postmarkStream,
		Metadata:      msg.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal postmark request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create postmark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("postmark request failed: %w", err)
	}
	defer resp.Body.Close()

	var pm postmarkResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&pm)
	// Postmark reports some rejections with HTTP 200 and a non-zero ErrorCode.
	if resp.StatusCode != http.StatusOK || pm.ErrorCode != 0 {
		return fmt.Errorf("postmark rejected message to %s (HTTP %d): code=%d message=%s", msg.To, resp.StatusCode, pm.ErrorCode, pm.Message)
	}
	return nil
}

// LogSender hands messages to a callback instead of sending them. It is the
// fallback when no Postmark token is configured.
type LogSender struct {
	logFn func(to, subject, body string)
}

// NewLogSender creates a sender that logs emails.
func NewLogSender(logFn func(to, subject, body string)) *LogSender {
	return &LogSender{logFn: logFn}
}

func (l *LogSender) Send(_ context.Context, msg Message) error {
	if l.logFn != nil {
		l.logFn(msg.To, msg.Subject, msg.Text)
	}
	return nil
}
