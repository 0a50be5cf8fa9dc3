// Package gateway 实现游戏服务器主动接入的投票奖励推送网关。
//
// 游戏服务器通过 websocket 连接网关，发送 auth 消息用服务器 slug 和密钥完成认证，
// 之后该连接会收到投给该服务器、且携带有效密钥的投票通知。网关每隔固定时间发送 ping，
// 连续两轮没有响应的连接会被强制关闭。
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lvdashuaibi/craftvote/internal/logger"
	"github.com/lvdashuaibi/craftvote/internal/model"
	"go.uber.org/multierr"
)

// ServerLookup 按slug（忽略大小写）查找服务器，不存在时返回 nil, nil
type ServerLookup interface {
	FindBySlug(ctx context.Context, slug string) (*model.ServerRecord, error)
}

// Options 网关参数
type Options struct {
	Path           string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	LookupTimeout  time.Duration
	MaxMessageSize int64
}

// DefaultOptions 默认网关参数
func DefaultOptions() Options {
	return Options{
		Path:           "/ws",
		PingInterval:   30 * time.Second,
		WriteTimeout:   5 * time.Second,
		LookupTimeout:  3 * time.Second,
		MaxMessageSize: 50 * 1024,
	}
}

// Gateway 投票奖励推送网关
type Gateway struct {
	lookup   ServerLookup
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*Connection
	stopped bool

	server   *http.Server
	listener net.Listener

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewGateway(lookup ServerLookup, opts Options) *Gateway {
	defaults := DefaultOptions()
	if opts.Path == "" {
		opts.Path = defaults.Path
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaults.LookupTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}

	return &Gateway{
		lookup: lookup,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 连接方是游戏服务器而不是浏览器
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:  make(map[string]*Connection),
		stopCh: make(chan struct{}),
	}
}

// Start 在 addr 上监听并启动心跳，不阻塞
func (g *Gateway) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("网关监听 %s 失败: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(g.opts.Path, g)

	g.listener = ln
	g.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.S().Errorf("网关服务异常退出: %v", err)
		}
	}()

	g.wg.Add(1)
	go g.heartbeat()

	logger.S().Infof("投票网关已启动，地址: %s%s", ln.Addr().String(), g.opts.Path)
	return nil
}

// Addr 返回实际监听地址，未启动时返回空
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop 停止心跳，关闭所有连接和监听
func (g *Gateway) Stop(ctx context.Context) error {
	var err error
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.stopped = true
		g.mu.Unlock()

		close(g.stopCh)
		g.wg.Wait()

		for _, c := range g.snapshot() {
			err = multierr.Append(err, ignoreClosed(c.close(websocket.CloseGoingAway, "server shutdown", g.opts.WriteTimeout)))
			g.unregister(c)
		}

		if g.server != nil {
			err = multierr.Append(err, g.server.Shutdown(ctx))
		}
		logger.S().Infof("投票网关已停止")
	})
	return err
}

// ServeHTTP 升级为websocket并处理该连接，直到连接关闭
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.S().Warnf("websocket升级失败: %v", err)
		return
	}

	c := newConnection(ws)
	if !g.register(c) {
		c.close(websocket.CloseGoingAway, "server shutdown", g.opts.WriteTimeout)
		return
	}
	defer g.unregister(c)

	ws.SetReadLimit(g.opts.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})
	defer c.close(websocket.CloseNormalClosure, "", g.opts.WriteTimeout)

	logger.S().Infow("游戏服务器已连接", "conn", c.ID(), "remote", r.RemoteAddr)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				logger.S().Infow("游戏服务器连接异常断开", "conn", c.ID(), "error", err)
			}
			return
		}
		g.handleMessage(c, data)
		if c.isClosed() {
			return
		}
	}
}

// handleMessage 处理单条消息，同一连接的消息按到达顺序串行处理
func (g *Gateway) handleMessage(c *Connection, data []byte) {
	msg, ok := parseInbound(data)
	if !ok {
		g.reply(c, ReplyMessage{Type: TypeError, Message: MsgInvalidJSON})
		return
	}

	switch msg.Type {
	case TypeAuth:
		g.authenticate(c, msg)
	case TypePong:
		c.markAlive()
	default:
		g.reply(c, ReplyMessage{Type: TypeError, Message: MsgUnknownMessageType})
	}
}

// authenticate 校验服务器slug与密钥，失败时回复后关闭连接
func (g *Gateway) authenticate(c *Connection, msg InboundMessage) {
	serverID := strings.TrimSpace(msg.ServerID)
	secret := strings.TrimSpace(msg.Secret)

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.LookupTimeout)
	defer cancel()

	server, err := g.lookup.FindBySlug(ctx, serverID)
	if err != nil {
		logger.S().Errorw("网关认证查询服务器失败", "conn", c.ID(), "error", err)
		g.rejectAuth(c, MsgDatabaseError)
		return
	}
	if server == nil {
		logger.S().Warnw("网关认证失败: 服务器不存在", "conn", c.ID(), "serverId", serverID)
		g.rejectAuth(c, MsgServerNotFound)
		return
	}

	stored := strings.TrimSpace(server.Secret)
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) != 1 {
		logger.S().Warnw("网关认证失败: 密钥错误", "conn", c.ID(), "slug", server.Slug)
		g.rejectAuth(c, MsgInvalidSecret)
		return
	}

	c.bind(server.Slug)
	g.reply(c, ReplyMessage{Type: TypeAuthSuccess, Message: MsgAuthenticated, ServerID: server.Slug})
	logger.S().Infow("游戏服务器认证成功", "conn", c.ID(), "slug", server.Slug)
}

func (g *Gateway) rejectAuth(c *Connection, message string) {
	g.reply(c, ReplyMessage{Type: TypeAuthFailed, Message: message})
	c.close(websocket.ClosePolicyViolation, message, g.opts.WriteTimeout)
	g.unregister(c)
}

func (g *Gateway) reply(c *Connection, msg ReplyMessage) {
	if err := c.writeJSON(msg, g.opts.WriteTimeout); err != nil {
		logger.S().Warnw("回复游戏服务器失败", "conn", c.ID(), "type", msg.Type, "error", err)
	}
}

// Deliver 把投票通知发给所有绑定到该规范slug的已认证连接，返回成功发送的连接数
func (g *Gateway) Deliver(slug string, payload model.RewardPayload) int {
	msg := VoteMessage{Type: TypeVote, RewardPayload: payload}

	var targets []*Connection
	for _, c := range g.snapshot() {
		if c.boundTo(slug) {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return 0
	}

	var (
		sent int32
		wg   sync.WaitGroup
	)
	for _, c := range targets {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.writeJSON(msg, g.opts.WriteTimeout); err != nil {
				logger.S().Warnw("推送投票通知失败", "conn", c.ID(), "slug", slug, "error", err)
				return
			}
			atomic.AddInt32(&sent, 1)
		}(c)
	}
	wg.Wait()

	return int(sent)
}

// ConnectionCount 当前连接数（含未认证）
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// heartbeat 定时发送ping，上一轮未响应的连接直接关闭
func (g *Gateway) heartbeat() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stopCh:
			return
		}
	}
}

func (g *Gateway) sweep() {
	for _, c := range g.snapshot() {
		if !c.resetAlive() {
			logger.S().Infow("游戏服务器心跳超时，关闭连接", "conn", c.ID())
			c.close(websocket.CloseGoingAway, "heartbeat timeout", g.opts.WriteTimeout)
			g.unregister(c)
			continue
		}
		if err := c.ping(g.opts.WriteTimeout); err != nil {
			logger.S().Debugw("发送ping失败", "conn", c.ID(), "error", err)
		}
	}
}

// register 网关已停止时返回 false，连接不会被登记
func (g *Gateway) register(c *Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	g.conns[c.ID()] = c
	return true
}

func (g *Gateway) unregister(c *Connection) {
	g.mu.Lock()
	delete(g.conns, c.ID())
	g.mu.Unlock()
}

func (g *Gateway) snapshot() []*Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()

	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	return conns
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
