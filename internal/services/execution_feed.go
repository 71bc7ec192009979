package services

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"crmflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedMessage 推送给运维端的执行记录
type FeedMessage struct {
	Type      string                `json:"type"`
	Data      *models.AutomationLog `json:"data"`
	Timestamp time.Time             `json:"timestamp"`
}

type feedClient struct {
	id     string
	ruleID uint
	conn   *websocket.Conn
	send   chan FeedMessage
	feed   *ExecutionFeed
}

// ExecutionFeed broadcasts persisted execution logs to websocket watchers,
// optionally filtered by rule.
type ExecutionFeed struct {
	clients    map[string]*feedClient
	broadcast  chan FeedMessage
	register   chan *feedClient
	unregister chan *feedClient
	mutex      sync.RWMutex
	done       chan struct{}
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
}

func NewExecutionFeed(logger *logrus.Logger) *ExecutionFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionFeed{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan FeedMessage, 64),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			// 来源校验由上层 CORS 配置负责
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run 处理注册、注销与广播，直到 ctx 结束
func (f *ExecutionFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(f.done)
			f.mutex.Lock()
			for id, c := range f.clients {
				close(c.send)
				delete(f.clients, id)
			}
			f.mutex.Unlock()
			return

		case c := <-f.register:
			f.mutex.Lock()
			f.clients[c.id] = c
			f.mutex.Unlock()
			f.logger.Debugf("feed client %s connected (rule filter %d)", c.id, c.ruleID)

		case c := <-f.unregister:
			f.mutex.Lock()
			if _, ok := f.clients[c.id]; ok {
				delete(f.clients, c.id)
				close(c.send)
			}
			f.mutex.Unlock()

		case msg := <-f.broadcast:
			f.mutex.Lock()
			for id, c := range f.clients {
				if c.ruleID != 0 && msg.Data != nil && msg.Data.RuleID != c.ruleID {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// slow consumer
					close(c.send)
					delete(f.clients, id)
				}
			}
			f.mutex.Unlock()
		}
	}
}

// Publish queues a log for broadcast without blocking the runner.
func (f *ExecutionFeed) Publish(log *models.AutomationLog) {
	if f == nil || log == nil {
		return
	}
	msg := FeedMessage{Type: "automation.log", Data: log, Timestamp: time.Now()}
	select {
	case f.broadcast <- msg:
	default:
		f.logger.Warn("execution feed backlog full, dropping message")
	}
}

// ClientCount 当前连接数
func (f *ExecutionFeed) ClientCount() int {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return len(f.clients)
}

// HandleWebSocket upgrades the request; ?rule_id= narrows the stream.
func (f *ExecutionFeed) HandleWebSocket(c *gin.Context) {
	var ruleID uint
	if v := c.Query("rule_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid rule_id"})
			return
		}
		ruleID = uint(id)
	}

	conn, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	client := &feedClient{
		id:     uuid.NewString(),
		ruleID: ruleID,
		conn:   conn,
		send:   make(chan FeedMessage, 64),
		feed:   f,
	}
	select {
	case f.register <- client:
	case <-f.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only drains control frames; watchers never send data.
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.feed.unregister <- c:
		case <-c.feed.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.feed.logger.Warnf("feed websocket error: %v", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.feed.logger.Warnf("feed WriteJSON error: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
