package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// MailSender 发送事务性邮件
type MailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ChatSender 发送即时消息（WhatsApp）
type ChatSender interface {
	Send(ctx context.Context, phone, message string) error
}

// MailConfig HTTP 邮件 API 配置
type MailConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TwilioConfig Twilio WhatsApp 配置
type TwilioConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	AccountSID string        `mapstructure:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token"`
	From       string        `mapstructure:"from"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error [%d]: %s", e.Provider, e.Code, e.Body)
}

// Temporary reports whether the provider may accept the same request later.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// IsTransient 判断错误是否值得重试（5xx、429、网络错误）
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ne net.Error
	return errors.As(err, &ne)
}
