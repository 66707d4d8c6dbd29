// Package websocket provides the reconnecting stream client used by the
// market data hub.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"spottrader/internal/core"
	"spottrader/pkg/telemetry"
)

// MessageHandler receives every raw frame read off the connection.
type MessageHandler func(message []byte)

// Reconnect backoff doubles from the configured base up to this cap,
// and resets after a successful dial.
const maxReconnectWait = time.Minute

// Client maintains a single websocket connection, transparently
// redialing when it drops. Frames are delivered to the handler from the
// read loop, so handlers must not block; hand work to a pool instead.
type Client struct {
	url     string
	handler MessageHandler
	logger  core.ILogger

	reconnectWait time.Duration

	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration

	onConnected func()

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer     trace.Tracer
	msgCount   metric.Int64Counter
	dialCount  metric.Int64Counter
	handleTime metric.Float64Histogram
}

// NewClient builds a client for the given stream URL. Call Start to
// connect; the client keeps redialing until Stop.
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.Meter("stream-client")
	msgCount, _ := meter.Int64Counter("stream_messages_total",
		metric.WithDescription("Frames received across all stream connections"))
	dialCount, _ := meter.Int64Counter("stream_dials_total",
		metric.WithDescription("Stream connection attempts"))
	handleTime, _ := meter.Float64Histogram("stream_handler_duration_seconds",
		metric.WithDescription("Time spent in the frame handler"))

	return &Client{
		url:           url,
		handler:       handler,
		logger:        logger.WithField("component", "stream_client"),
		reconnectWait: 5 * time.Second,
		pingInterval:  30 * time.Second,
		pingWait:      10 * time.Second,
		pongWait:      60 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
		tracer:        telemetry.Tracer("stream-client"),
		msgCount:      msgCount,
		dialCount:     dialCount,
		handleTime:    handleTime,
	}
}

// SetPingConfig overrides the heartbeat timings. Must be called before
// Start.
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetOnConnected registers a callback invoked after every successful
// dial, including redials. Used to replay stream subscriptions.
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send writes a JSON message on the current connection.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("stream %s not connected", c.url)
	}
	return c.conn.WriteJSON(message)
}

// Start launches the connection loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop tears the connection down and waits for the loop goroutines,
// giving up after a grace period.
func (c *Client) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Stream goroutines did not exit before deadline", "url", c.url)
	}

	c.closeConn()
}

func (c *Client) run() {
	defer c.wg.Done()

	backoff := c.reconnectWait
	for c.ctx.Err() == nil {
		if err := c.dial(); err != nil {
			c.logger.Error("Stream dial failed", "url", c.url, "retry_in", backoff.String(), "error", err)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = c.reconnectWait
		c.logger.Info("Stream connected", "url", c.url)

		c.mu.Lock()
		onConnected := c.onConnected
		pingInterval := c.pingInterval
		c.mu.Unlock()
		if onConnected != nil {
			onConnected()
		}

		hbCtx, hbCancel := context.WithCancel(c.ctx)
		if pingInterval > 0 {
			c.wg.Add(1)
			go c.heartbeat(hbCtx)
		}

		c.readFrames()
		hbCancel()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("Stream disconnected, reconnecting", "url", c.url)
		if !c.sleep(backoff) {
			return
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d *= 2; d > maxReconnectWait {
		return maxReconnectWait
	}
	return d
}

// sleep waits for d, returning false if the client was stopped first.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) dial() error {
	ctx, span := c.tracer.Start(c.ctx, "stream.dial",
		trace.WithAttributes(attribute.String("url", c.url)))
	defer span.End()
	c.dialCount.Add(ctx, 1)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		if resp != nil {
			return fmt.Errorf("dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	pongWait := c.pongWait
	c.conn = conn
	c.mu.Unlock()

	// A missed pong lets the read deadline expire, which fails the read
	// loop and triggers a redial.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return nil
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	c.mu.Lock()
	interval, wait := c.pingInterval, c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
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
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readFrames() {
	defer c.closeConn()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("Stream read ended", "url", c.url, "error", err)
			}
			return
		}

		c.msgCount.Add(c.ctx, 1)
		if c.handler == nil {
			continue
		}
		start := time.Now()
		c.handler(message)
		c.handleTime.Record(c.ctx, time.Since(start).Seconds())
	}
}
