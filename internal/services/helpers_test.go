package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:crmflow_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type sentMail struct {
	To, Subject, Body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeChat struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeChat) Send(_ context.Context, phone, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, phone+"|"+message)
	return nil
}

type engine struct {
	db         *gorm.DB
	store      *GormEntityStore
	templates  *TemplateService
	mailer     *fakeMailer
	chat       *fakeChat
	dispatcher *ActionDispatcher
	svc        *AutomationService
	queue      *DBDelayQueue
	clock      time.Time
}

// newEngine wires the full runner against sqlite with a fixed clock.
func newEngine(t *testing.T) *engine {
	t.Helper()
	db := newTestDB(t)
	log := quietLogger()
	e := &engine{
		db:        db,
		store:     NewGormEntityStore(db, log),
		templates: NewTemplateService(db, log),
		mailer:    &fakeMailer{},
		chat:      &fakeChat{},
		queue:     NewDBDelayQueue(db),
		clock:     time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC),
	}
	e.dispatcher = NewActionDispatcher(e.store, e.templates, e.mailer, e.chat, log)
	e.dispatcher.now = func() time.Time { return e.clock }
	e.svc = NewAutomationService(db, e.dispatcher, log)
	e.svc.SetAuditService(NewAuditService(db, log))
	e.svc.SetEntityStore(e.store)
	e.svc.SetDelayQueue(e.queue)
	e.svc.now = func() time.Time { return e.clock }
	e.svc.SetBatchOptions(BatchOptions{ChunkSize: 2, MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	e.dispatcher.SetBatchOptions(BatchOptions{ChunkSize: 2, MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	return e
}

func boolPtr(b bool) *bool { return &b }
