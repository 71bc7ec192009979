package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPMailer posts mail to a transactional mail API as JSON.
type HTTPMailer struct {
	config     MailConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

type mailPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// NewHTTPMailer 创建 HTTP 邮件发送器
func NewHTTPMailer(config MailConfig, logger *logrus.Logger) *HTTPMailer {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &HTTPMailer{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

func (m *HTTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("recipient is required")
	}
	payload, err := json.Marshal(mailPayload{
		From:    m.config.From,
		To:      []string{to},
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		return fmt.Errorf("marshal mail payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	if m.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.config.APIKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	m.logger.Debugf("Mail API Response: %d %s", resp.StatusCode, string(respBody))
	if resp.StatusCode >= 300 {
		return &StatusError{Provider: "mail", Code: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
