package services

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crmflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialFeed(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestExecutionFeedFiltersByRule(t *testing.T) {
	gin.SetMode(gin.TestMode)
	feed := NewExecutionFeed(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	r := gin.New()
	r.GET("/feed", feed.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	all := dialFeed(t, srv, "")
	only2 := dialFeed(t, srv, "?rule_id=2")
	require.Eventually(t, func() bool { return feed.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	feed.Publish(&models.AutomationLog{ID: 10, RuleID: 1, Status: "success"})
	feed.Publish(&models.AutomationLog{ID: 11, RuleID: 2, Status: "failure"})

	var msg FeedMessage
	_ = all.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, all.ReadJSON(&msg))
	assert.Equal(t, "automation.log", msg.Type)
	assert.Equal(t, uint(10), msg.Data.ID)
	require.NoError(t, all.ReadJSON(&msg))
	assert.Equal(t, uint(11), msg.Data.ID)

	_ = only2.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, only2.ReadJSON(&msg))
	assert.Equal(t, uint(11), msg.Data.ID)
}

func TestExecutionFeedRejectsBadRuleID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	feed := NewExecutionFeed(quietLogger())
	r := gin.New()
	r.GET("/feed", feed.HandleWebSocket)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/feed?rule_id=abc", nil))
	assert.Equal(t, 400, w.Code)

	var nilFeed *ExecutionFeed
	assert.NotPanics(t, func() { nilFeed.Publish(&models.AutomationLog{}) })
}
