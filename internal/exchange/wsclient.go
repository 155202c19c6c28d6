package exchange

import (
	"context"
	"sync"
	"time"

	"hourbuy/internal/core"

	"github.com/gorilla/websocket"
)

// MessageHandler processes one raw WS frame.
type MessageHandler func(message []byte)

// wsClient is a resilient WebSocket client: auto-reconnect with a fixed
// delay, ping/pong keepalive, and an onConnected hook used to (re)issue
// channel subscriptions after every connect — including reconnects, which
// is how the gateway's "resubscribed" event (spec §4.1) is produced.
type wsClient struct {
	url           string
	handler       MessageHandler
	reconnectWait time.Duration
	pingInterval  time.Duration
	pongWait      time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected func()
	logger      core.ILogger
}

func newWSClient(url string, handler MessageHandler, logger core.ILogger) *wsClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsClient{
		url:           url,
		handler:       handler,
		reconnectWait: 5 * time.Second,
		pingInterval:  25 * time.Second,
		pongWait:      60 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger,
	}
}

func (c *wsClient) SetOnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = fn
}

func (c *wsClient) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	return c.conn.WriteJSON(v)
}

func (c *wsClient) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

func (c *wsClient) Stop() {
	c.cancel()
	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("ws client stop timed out waiting for goroutines")
	}
	c.closeConn()
}

func (c *wsClient) runLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connect(); err != nil {
			c.logger.Error("ws connect failed", "url", c.url, "error", err.Error())
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.reconnectWait):
			}
			continue
		}

		c.mu.Lock()
		onConnected := c.onConnected
		c.mu.Unlock()
		if onConnected != nil {
			onConnected()
		}

		hbCtx, hbCancel := context.WithCancel(c.ctx)
		c.wg.Add(1)
		go c.heartbeat(hbCtx)

		c.readLoop()
		hbCancel()

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectWait):
		}
	}
}

func (c *wsClient) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.closeConn()
				return
			}
		}
	}
}

func (c *wsClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})
	c.conn = conn
	return nil
}

func (c *wsClient) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *wsClient) readLoop() {
	defer c.closeConn()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if c.handler != nil {
			c.handler(message)
		}
	}
}
