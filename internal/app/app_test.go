package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/middleware"
	"crmflow/internal/models"
	"crmflow/pkg/messaging"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:app_"+name+"?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestNew_RouterAuthAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = "app-secret"
	a, err := New(cfg, newTestDB(t), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	r := a.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/automations/rules", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	viewer, err := middleware.GenerateToken(cfg.JWT.Secret, "u1", "v@example.com", []string{"viewer"}, time.Hour)
	require.NoError(t, err)
	operator, err := middleware.GenerateToken(cfg.JWT.Secret, "u2", "ops@example.com", []string{"operator"}, time.Hour)
	require.NoError(t, err)

	do := func(method, path, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	rule := `{"name":"welcome","trigger":"client_created","active":true,"actions":[{"type":"create_task","params":{"title":"Hi {{name}}"}}]}`
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/api/automations/rules", viewer, rule).Code)
	assert.Equal(t, http.StatusCreated, do(http.MethodPost, "/api/automations/rules", operator, rule).Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/automations/rules", viewer, "").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/audit-logs", viewer, "").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/templates", viewer, "").Code)

	w = do(http.MethodPost, "/api/automations/webhooks/entity-change", operator,
		`{"entityType":"Client","entityId":"c1","newData":{"name":"Acme"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var audit models.AuditLog
	require.NoError(t, a.DB.First(&audit).Error)
	assert.Equal(t, "ops@example.com", audit.PerformedBy)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, cfg.Monitoring.MetricsPath, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "crmflow_rule_executions_total")
	assert.Contains(t, w.Body.String(), "crmflow_entity_events_total")
}

func TestNew_DelayBackends(t *testing.T) {
	db := newTestDB(t)
	cfg := config.GetDefaultConfig()

	cfg.Automation.DelayBackend = "redis"
	_, err := New(cfg, db, quietLogger())
	assert.Error(t, err, "redis backend without redis")

	cfg.Automation.DelayBackend = "carrier-pigeon"
	_, err = New(cfg, db, quietLogger())
	assert.Error(t, err)

	cfg.Automation.DelayBackend = "inline"
	a, err := New(cfg, db, quietLogger())
	require.NoError(t, err)
	assert.Nil(t, a.Redis)
}

func TestBuildSenders(t *testing.T) {
	cfg := config.GetDefaultConfig().Messaging
	mailer, chat := BuildSenders(cfg, quietLogger())
	assert.IsType(t, messaging.LogMailer{}, mailer)
	assert.IsType(t, messaging.LogChat{}, chat)

	cfg.Email.Enabled = true
	cfg.WhatsApp.Enabled = true
	mailer, chat = BuildSenders(cfg, quietLogger())
	assert.IsType(t, &messaging.ResilientMailer{}, mailer)
	assert.IsType(t, &messaging.ResilientChat{}, chat)
}

func TestBatchOptions(t *testing.T) {
	opts := BatchOptions(config.AutomationConfig{BulkChunkSize: 10})
	assert.Equal(t, 10, opts.ChunkSize)
	assert.EqualValues(t, 5, opts.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, opts.BaseDelay)
}
