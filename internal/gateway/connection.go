package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection 一个游戏服务器的长连接
type Connection struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex // gorilla/websocket 只允许一个并发写者

	mu         sync.Mutex
	serverSlug string
	authed     bool
	alive      bool
	closed     bool
}

func newConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		id:    uuid.NewString(),
		ws:    ws,
		alive: true,
	}
}

// ID 连接ID
func (c *Connection) ID() string {
	return c.id
}

// ServerSlug 返回绑定的规范slug，未认证时返回空
func (c *Connection) ServerSlug() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverSlug, c.authed
}

func (c *Connection) bind(slug string) {
	c.mu.Lock()
	c.serverSlug = slug
	c.authed = true
	c.mu.Unlock()
}

// boundTo 连接已认证、仍可写并且绑定的slug与给定值完全相同
func (c *Connection) boundTo(slug string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed && !c.closed && c.serverSlug == slug
}

func (c *Connection) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// resetAlive 返回上一轮心跳后是否收到过pong，并把状态重置为未响应
func (c *Connection) resetAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	alive := c.alive
	c.alive = false
	return alive
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) writeJSON(v interface{}, timeout time.Duration) error {
	if c.isClosed() {
		return websocket.ErrCloseSent
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *Connection) ping(timeout time.Duration) error {
	if c.isClosed() {
		return websocket.ErrCloseSent
	}
	// WriteControl 可以与其他写操作并发
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// close 关闭底层连接，可重复调用
func (c *Connection) close(code int, reason string, timeout time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.authed = false
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	return c.ws.Close()
}
