package messaging

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogMailer only logs outgoing mail. Used when the email channel is disabled.
type LogMailer struct {
	Logger *logrus.Logger
}

func (l LogMailer) Send(_ context.Context, to, subject, _ string) error {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{"to": to, "subject": subject}).Info("email channel disabled, message logged only")
	return nil
}

// LogChat only logs outgoing chat messages.
type LogChat struct {
	Logger *logrus.Logger
}

func (l LogChat) Send(_ context.Context, phone, message string) error {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{"phone": phone, "length": len(message)}).Info("whatsapp channel disabled, message logged only")
	return nil
}
