package messaging

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// TwilioWhatsApp sends WhatsApp messages through the Twilio Messages API.
type TwilioWhatsApp struct {
	config     TwilioConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewTwilioWhatsApp 创建 Twilio WhatsApp 发送器
func NewTwilioWhatsApp(config TwilioConfig, logger *logrus.Logger) *TwilioWhatsApp {
	if logger == nil {
		logger = logrus.New()
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultTwilioBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &TwilioWhatsApp{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

func whatsappAddress(phone string) string {
	phone = strings.TrimSpace(phone)
	if strings.HasPrefix(phone, "whatsapp:") {
		return phone
	}
	return "whatsapp:" + phone
}

func (w *TwilioWhatsApp) Send(ctx context.Context, phone, message string) error {
	if strings.TrimSpace(phone) == "" {
		return fmt.Errorf("phone is required")
	}
	form := url.Values{}
	form.Set("To", whatsappAddress(phone))
	form.Set("From", whatsappAddress(w.config.From))
	form.Set("Body", message)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(w.config.BaseURL, "/"), url.PathEscape(w.config.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(w.config.AccountSID, w.config.AuthToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	w.logger.Debugf("Twilio API Response: %d %s", resp.StatusCode, string(body))
	if resp.StatusCode >= 300 {
		return &StatusError{Provider: "twilio", Code: resp.StatusCode, Body: string(body)}
	}
	return nil
}
