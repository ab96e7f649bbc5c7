package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatautomation/internal/bus"
	"chatautomation/internal/clock"
	"chatautomation/internal/metrics"
	"chatautomation/pkg/feature"
)

// Owner is the subscription owner name the transport uses on the bus.
const Owner = "transport"

// Transport is the minimal connectivity contract the rest of the
// runtime depends on.
type Transport interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
}

// Client implements Transport over a websocket session with the chat
// gateway.
type Client struct {
	url       string
	token     string
	logger    *zap.Logger
	collector *metrics.Collector
	bus       *bus.Bus
	clock     clock.Clock

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	reconnect bool
	ctx       context.Context
	cancel    context.CancelFunc

	subMu sync.Mutex
	subID string

	writeMu sync.Mutex // protects websocket writes
}

// NewClient creates a gateway client. It does not dial until Connect.
func NewClient(url, token string, b *bus.Bus, clk clock.Clock, collector *metrics.Collector, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       url,
		token:     token,
		logger:    logger.Named("transport"),
		collector: collector,
		bus:       b,
		clock:     clk,
		ctx:       ctx,
		cancel:    cancel,
		reconnect: true,
	}
}

// Connect dials the gateway, runs the auth handshake and starts the
// read pump. On success a connection.open event is published.
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}

	// Auth handshake: the gateway speaks first.
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if hello.Type != TypeAuthRequired {
		conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("expected auth_required, got %s", hello.Type)
	}

	if err := conn.WriteJSON(Frame{Type: TypeAuth, Token: c.token}); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResp Frame
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch authResp.Type {
	case TypeAuthOK:
	case TypeAuthInvalid:
		conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("authentication failed: invalid token")
	default:
		conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("expected auth_ok, got %s", authResp.Type)
	}

	c.resetContextLocked()
	c.conn = conn
	c.connected = true
	c.reconnect = true
	ctx := c.ctx
	c.connMu.Unlock()

	if err := c.subscribeSend(); err != nil {
		c.logger.Warn("failed to subscribe to outbound messages", zap.Error(err))
	}

	go c.readPump(conn)

	c.collector.SetTransportConnected(true)
	c.logger.Info("connected to gateway", zap.String("url", c.url))
	c.emit(ctx, bus.EventConnectionOpen, nil)
	return nil
}

// Disconnect closes the session for good: no reconnect attempts follow.
func (c *Client) Disconnect() error {
	c.connMu.Lock()

	c.reconnect = false
	if c.cancel != nil {
		c.cancel()
	}

	if !c.connected {
		c.connMu.Unlock()
		c.unsubscribeSend()
		return nil
	}

	c.connected = false
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.unsubscribeSend()
	c.collector.SetTransportConnected(false)
	c.logger.Info("disconnected from gateway")
	c.emit(context.Background(), bus.EventConnectionClosed, nil)
	return nil
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// resetContextLocked runs under connMu.
func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// subscribeSend registers the outbound handler once; the subscription
// survives reconnects.
func (c *Client) subscribeSend() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subID != "" {
		return nil
	}
	id, err := c.bus.Subscribe(Owner, bus.EventMessageSend, c.handleSend)
	if err != nil {
		return err
	}
	c.subID = id
	return nil
}

func (c *Client) unsubscribeSend() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subID == "" {
		return
	}
	c.bus.UnsubscribeAll(Owner)
	c.subID = ""
}

// handleSend writes one outbound message frame.
func (c *Client) handleSend(ctx context.Context, evt *bus.Event) error {
	msg, ok := evt.Payload.(*feature.Message)
	if !ok {
		return fmt.Errorf("message.send payload must be *feature.Message, got %T", evt.Payload)
	}

	c.connMu.RLock()
	conn := c.conn
	connected := c.connected
	c.connMu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	frame := Frame{
		Type:         TypeSend,
		ID:           msg.ID,
		Conversation: msg.Conversation,
		Text:         msg.Text,
		Timestamp:    msg.Timestamp,
	}
	if frame.ID == "" {
		frame.ID = uuid.NewString()
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = c.clock.Now()
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(frame)
	c.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readPump reads frames until the connection drops, publishing bus
// events for each inbound frame.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		switch frame.Type {
		case TypeMessage:
			c.handleInbound(&frame)
		case TypeMessageDeleted:
			c.handleDeleted(&frame)
		default:
			c.logger.Debug("ignoring frame", zap.String("type", frame.Type))
		}
	}
}

func (c *Client) handleInbound(frame *Frame) {
	msg := &feature.Message{
		ID:           frame.ID,
		Conversation: frame.Conversation,
		Sender:       frame.Sender,
		Text:         frame.Text,
		Timestamp:    frame.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.clock.Now()
	}
	c.emit(context.Background(), bus.EventMessageReceived, msg)
}

func (c *Client) handleDeleted(frame *Frame) {
	if frame.TargetID == "" {
		c.logger.Warn("message_deleted frame without target_id")
		return
	}
	c.emit(context.Background(), bus.EventMessageDeleted, &feature.Deletion{
		Conversation: frame.Conversation,
		TargetID:     frame.TargetID,
		Sender:       frame.Sender,
	})
}

// handleDisconnect reacts to a read failure on the current connection.
func (c *Client) handleDisconnect(conn *websocket.Conn, readErr error) {
	c.connMu.Lock()
	// A stale pump from an already replaced connection changes nothing.
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	retry := c.reconnect
	ctx := c.ctx
	c.connMu.Unlock()

	conn.Close()
	c.collector.SetTransportConnected(false)
	c.logger.Warn("gateway connection lost", zap.Error(readErr))
	c.emit(context.Background(), bus.EventConnectionClosed, nil)

	if retry {
		go c.attemptReconnect(ctx)
	}
}

// attemptReconnect redials with exponential backoff until it succeeds
// or the client is disconnected for good.
func (c *Client) attemptReconnect(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	operation := func() error {
		c.logger.Info("attempting to reconnect")
		c.collector.IncTransportReconnect()
		return c.Connect()
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		c.logger.Error("reconnection abandoned", zap.Error(err))
		return
	}
	c.logger.Info("reconnected to gateway")
}

func (c *Client) emit(ctx context.Context, event string, payload any) {
	if _, err := c.bus.Emit(ctx, event, payload); err != nil {
		c.logger.Warn("failed to publish event",
			zap.String("event", event), zap.Error(err))
	}
}
