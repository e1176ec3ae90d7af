// =============================================================================
// 文件: internal/feed/hub.go
// 描述: 实时推送 - 通过 WebSocket 广播重组交付结果
// =============================================================================
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mrcgq/fragkit/internal/handoff"
)

const writeWait = 10 * time.Second

// Observer 推送事件回调 (指标)
type Observer interface {
	FeedClientConnected()
	FeedClientDisconnected()
	FeedDrop()
}

// Hub WebSocket 推送中心
//
// 每个客户端一个有界发送队列，队列满时丢弃该客户端的这条消息，
// 慢客户端不会拖住解析流水线。
type Hub struct {
	addr       string
	path       string
	bufferSize int

	upgrader   websocket.Upgrader
	httpServer *http.Server
	log        *zap.SugaredLogger
	observer   Observer

	mu      sync.RWMutex
	clients map[*client]struct{}
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	// 统计
	published   uint64
	sent        uint64
	dropped     uint64
	activeConns int64
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// NewHub 创建推送中心
func NewHub(addr, path string, bufferSize int, log *zap.SugaredLogger) *Hub {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		addr:       addr,
		path:       path,
		bufferSize: bufferSize,
		log:        log.Named("feed"),
		clients:    make(map[*client]struct{}),
		stopCh:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 只读推送，允许所有来源
			},
		},
	}
}

// SetObserver 设置事件回调
func (h *Hub) SetObserver(o Observer) {
	h.observer = o
}

// Publish 实现 handoff.Sink
func (h *Hub) Publish(d *handoff.Decoded) {
	msg, err := json.Marshal(d)
	if err != nil {
		h.log.Warnw("编码交付失败", "key", d.Key, "err", err)
		return
	}
	atomic.AddUint64(&h.published, 1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			atomic.AddUint64(&h.dropped, 1)
			if h.observer != nil {
				h.observer.FeedDrop()
			}
		}
	}
}

// ServeHTTP 升级连接并注册客户端
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("WebSocket 升级失败", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.bufferSize)}
	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	h.log.Debugw("推送客户端已连接", "remote", r.RemoteAddr)

	h.wg.Add(1)
	go h.writeLoop(c)

	// 客户端只读，读循环只用来感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debugw("推送客户端读取结束", "remote", r.RemoteAddr, "err", err)
			}
			break
		}
	}
	h.unregister(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	atomic.AddInt64(&h.activeConns, 1)
	if h.observer != nil {
		h.observer.FeedClientConnected()
	}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if !ok {
		return
	}
	atomic.AddInt64(&h.activeConns, -1)
	if h.observer != nil {
		h.observer.FeedClientDisconnected()
	}
	c.closeOnce.Do(func() { close(c.send) })
}

// writeLoop 发送队列 -> 连接
func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debugw("推送写入失败", "err", err)
			// 让读循环退出并完成注销
			c.conn.Close()
			for range c.send {
			}
			return
		}
		atomic.AddUint64(&h.sent, 1)
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// Start 启动推送服务
func (h *Hub) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", h.addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(h.path, h)

	h.httpServer = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := h.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Errorw("HTTP 服务器错误", "err", err)
		}
	}()

	h.log.Infow("推送服务已启动", "listen", ln.Addr().String(), "path", h.path)
	return nil
}

// Stop 断开所有客户端并停止服务
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.stopCh)
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}

	h.wg.Wait()
}

// Done 推送中心停止后关闭
func (h *Hub) Done() <-chan struct{} {
	return h.stopCh
}

// Clients 当前客户端数
func (h *Hub) Clients() int {
	return int(atomic.LoadInt64(&h.activeConns))
}

// GetStats 获取统计
func (h *Hub) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"clients":   atomic.LoadInt64(&h.activeConns),
		"published": atomic.LoadUint64(&h.published),
		"sent":      atomic.LoadUint64(&h.sent),
		"dropped":   atomic.LoadUint64(&h.dropped),
	}
}
