package alarmrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/technosupport/videocore/internal/contracts"
)

// Channel is one alarm delivery transport.
type Channel interface {
	ID() string
	Kind() contracts.AlarmChannelKind
	Priority() int
	Enabled() bool
	Timeout() time.Duration
	Send(ctx context.Context, evt contracts.AlarmEvent) error
}

// HTTPChannel POSTs the alarm's wire JSON; success is any 2xx response.
type HTTPChannel struct {
	cfg    contracts.HTTPChannelConfig
	client *http.Client
}

// NewHTTPChannel constructs an HTTPChannel from its config.
func NewHTTPChannel(cfg contracts.HTTPChannelConfig) *HTTPChannel {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChannel{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPChannel) ID() string                        { return h.cfg.ID }
func (h *HTTPChannel) Kind() contracts.AlarmChannelKind   { return contracts.ChannelHTTP }
func (h *HTTPChannel) Priority() int                      { return h.cfg.Priority }
func (h *HTTPChannel) Enabled() bool                      { return h.cfg.Enabled }
func (h *HTTPChannel) Timeout() time.Duration             { return h.client.Timeout }

func (h *HTTPChannel) Send(ctx context.Context, evt contracts.AlarmEvent) error {
	body, err := json.Marshal(evt.ToWire())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alarmrouter: http channel %s: status %d", h.cfg.ID, resp.StatusCode)
	}
	return nil
}

// WSClient is one connected WebSocket subscriber.
type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// writeAndAwaitAck writes evt to the client and waits (bounded by
// timeout) for the client's next message, which counts as the ack.
func (c *WSClient) writeAndAwaitAck(evt []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, evt); err != nil {
		return err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, _, err := c.conn.ReadMessage()
	return err
}

// WebSocketChannel fans out to every currently connected client.
type WebSocketChannel struct {
	cfg     contracts.WebSocketChannelConfig
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// NewWebSocketChannel constructs a WebSocketChannel. Clients register via
// AddClient/RemoveClient as they connect/disconnect.
func NewWebSocketChannel(cfg contracts.WebSocketChannelConfig) *WebSocketChannel {
	return &WebSocketChannel{cfg: cfg, clients: make(map[*WSClient]struct{})}
}

func (w *WebSocketChannel) ID() string                      { return w.cfg.ID }
func (w *WebSocketChannel) Kind() contracts.AlarmChannelKind { return contracts.ChannelWebSocket }
func (w *WebSocketChannel) Priority() int                    { return w.cfg.Priority }
func (w *WebSocketChannel) Enabled() bool                    { return w.cfg.Enabled }
func (w *WebSocketChannel) Timeout() time.Duration {
	ms := w.cfg.PingIntervalMS
	if ms <= 0 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}

// AddClient registers a connected subscriber.
func (w *WebSocketChannel) AddClient(c *WSClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clients[c] = struct{}{}
}

// RemoveClient deregisters a disconnected subscriber.
func (w *WebSocketChannel) RemoveClient(c *WSClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.clients, c)
}

// ClientCount reports how many clients are currently registered.
func (w *WebSocketChannel) ClientCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.clients)
}

func (w *WebSocketChannel) Send(ctx context.Context, evt contracts.AlarmEvent) error {
	body, err := json.Marshal(evt.ToWire())
	if err != nil {
		return err
	}

	w.mu.RLock()
	clients := make([]*WSClient, 0, len(w.clients))
	for c := range w.clients {
		clients = append(clients, c)
	}
	w.mu.RUnlock()

	if len(clients) == 0 {
		if w.cfg.AllowFanoutZero {
			return nil
		}
		return fmt.Errorf("alarmrouter: websocket channel %s: no connected clients", w.cfg.ID)
	}

	var wg sync.WaitGroup
	acked := make([]bool, len(clients))
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *WSClient) {
			defer wg.Done()
			acked[i] = c.writeAndAwaitAck(body, w.Timeout()) == nil
		}(i, c)
	}
	wg.Wait()

	for _, ok := range acked {
		if ok {
			return nil
		}
	}
	return fmt.Errorf("alarmrouter: websocket channel %s: zero acks from %d clients", w.cfg.ID, len(clients))
}

// MQTTChannel publishes to a configured broker/topic at a fixed QoS.
type MQTTChannel struct {
	cfg    contracts.MQTTChannelConfig
	client mqtt.Client
}

// NewMQTTChannel constructs a MQTTChannel; it does not connect until
// Connect is called.
func NewMQTTChannel(cfg contracts.MQTTChannelConfig) *MQTTChannel {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(fmt.Sprintf("videocore-alarmrouter-%s", cfg.ID)).
		SetKeepAlive(time.Duration(cfg.KeepAliveS) * time.Second).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return &MQTTChannel{cfg: cfg, client: mqtt.NewClient(opts)}
}

func (m *MQTTChannel) ID() string                        { return m.cfg.ID }
func (m *MQTTChannel) Kind() contracts.AlarmChannelKind   { return contracts.ChannelMQTT }
func (m *MQTTChannel) Priority() int                      { return m.cfg.Priority }
func (m *MQTTChannel) Enabled() bool                      { return m.cfg.Enabled }
func (m *MQTTChannel) Timeout() time.Duration             { return 5 * time.Second }

// Connect establishes the broker connection, bounded by ctx's deadline.
func (m *MQTTChannel) Connect(ctx context.Context) error {
	token := m.client.Connect()
	return waitToken(ctx, token)
}

func (m *MQTTChannel) Send(ctx context.Context, evt contracts.AlarmEvent) error {
	body, err := json.Marshal(evt.ToWire())
	if err != nil {
		return err
	}
	token := m.client.Publish(m.cfg.Topic, m.cfg.QoS, false, body)
	return waitToken(ctx, token)
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return token.Error()
	}
}
