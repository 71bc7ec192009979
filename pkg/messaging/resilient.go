package messaging

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ResilienceConfig 熔断与重试配置
type ResilienceConfig struct {
	Attempts         uint          `mapstructure:"attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// DefaultResilienceConfig 默认配置
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Attempts:         3,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Resilience wraps a provider call with a circuit breaker around bounded
// retries of transient failures.
type Resilience struct {
	cb     *gobreaker.CircuitBreaker
	config ResilienceConfig
	logger *logrus.Logger
}

func NewResilience(name string, config ResilienceConfig, logger *logrus.Logger) *Resilience {
	if logger == nil {
		logger = logrus.New()
	}
	d := DefaultResilienceConfig()
	if config.Attempts == 0 {
		config.Attempts = d.Attempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = d.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = d.MaxDelay
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = d.OpenTimeout
	}
	threshold := config.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// 4xx 属于调用方问题，不计入熔断
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("messaging: circuit %s %s -> %s", name, from, to)
		},
	})
	return &Resilience{cb: cb, config: config, logger: logger}
}

// State exposes the breaker state for health output.
func (r *Resilience) State() gobreaker.State { return r.cb.State() }

func (r *Resilience) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.config.Attempts),
			retry.Delay(r.config.BaseDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(IsTransient),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				d := retry.BackOffDelay(n, err, config)
				if d > r.config.MaxDelay {
					return r.config.MaxDelay
				}
				return d
			}),
		)
		return nil, rt.Do(func() error { return fn(ctx) })
	})
	return err
}

// ResilientMailer decorates a MailSender with Resilience.
type ResilientMailer struct {
	Next MailSender
	R    *Resilience
}

func (m *ResilientMailer) Send(ctx context.Context, to, subject, body string) error {
	return m.R.Do(ctx, func(ctx context.Context) error {
		return m.Next.Send(ctx, to, subject, body)
	})
}

// ResilientChat decorates a ChatSender with Resilience.
type ResilientChat struct {
	Next ChatSender
	R    *Resilience
}

func (c *ResilientChat) Send(ctx context.Context, phone, message string) error {
	return c.R.Do(ctx, func(ctx context.Context) error {
		return c.Next.Send(ctx, phone, message)
	})
}
