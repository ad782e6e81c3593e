// Package websocket forwards the engine's event streams to a remote
// collector and accepts control commands back over the same connection.
package websocket

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/logging"
	"github.com/breeze-rmm/hidlistener/internal/secmem"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Config holds forwarder configuration.
type Config struct {
	ServerURL string
	AuthToken *secmem.Secret
	Version   string
	QueueSize int
}

// Command is a control message received from the collector.
type Command struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CommandResult is the reply to a Command.
type CommandResult struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CommandHandler processes commands received from the collector.
type CommandHandler func(cmd Command) CommandResult

// Frame is one forwarded event.
type Frame struct {
	Type  string    `json:"type"`
	Seq   uint64    `json:"seq"`
	Port  int64     `json:"port"`
	Time  time.Time `json:"time"`
	Event any       `json:"event"`
}

type hello struct {
	Type     string `json:"type"`
	Hostname string `json:"hostname"`
	Version  string `json:"version,omitempty"`
}

// Client maintains the connection to the collector and is a transport sink
// for the ports it is given.
type Client struct {
	config     *Config
	conn       *websocket.Conn
	connMu     sync.RWMutex
	cmdHandler CommandHandler
	done       chan struct{}
	sendChan   chan []byte
	stopOnce   sync.Once
	isRunning  bool
	runningMu  sync.RWMutex

	connected atomic.Bool
	seq       atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a forwarder. handler may be nil when no commands are accepted.
func New(cfg *Config, handler CommandHandler) *Client {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	return &Client{
		config:     cfg,
		cmdHandler: handler,
		done:       make(chan struct{}),
		sendChan:   make(chan []byte, size),
	}
}

// Start runs the connect/reconnect loop until Stop. It blocks.
func (c *Client) Start() {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return
	}
	c.isRunning = true
	c.runningMu.Unlock()

	c.reconnectLoop()
}

// Stop gracefully closes the connection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.isRunning = false
		c.runningMu.Unlock()

		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.connected.Store(false)

		log.Info("forwarder stopped")
	})
}

// Connected reports whether a collector connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Stats returns forwarded and dropped event counts.
func (c *Client) Stats() (sent, dropped uint64) {
	return c.sent.Load(), c.dropped.Load()
}

// Deliver queues a decoded event for forwarding. It never blocks; events
// are dropped while disconnected or when the queue is full.
func (c *Client) Deliver(port hid.Port, event any) bool {
	var typ string
	switch event.(type) {
	case hid.KeyboardEvent:
		typ = "keyboard_event"
	case hid.MouseEvent:
		typ = "mouse_event"
	default:
		return false
	}
	if !c.connected.Load() {
		c.dropped.Add(1)
		return false
	}

	data, err := json.Marshal(Frame{
		Type:  typ,
		Seq:   c.seq.Add(1),
		Port:  int64(port),
		Time:  time.Now().UTC(),
		Event: event,
	})
	if err != nil {
		log.Warn("failed to marshal frame", logging.KeyError, err)
		return false
	}

	select {
	case c.sendChan <- data:
		return true
	default:
		if n := c.dropped.Add(1); n&(n-1) == 0 {
			log.Warn("forward queue full, dropping events", "dropped", n)
		}
		return false
	}
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	header := http.Header{}
	if !c.config.AuthToken.Empty() {
		header.Set("Authorization", "Bearer "+c.config.AuthToken.Reveal())
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)

	hostname, _ := os.Hostname()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello{Type: "hello", Hostname: hostname, Version: c.config.Version}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)

	log.Info("connected", "server", c.config.ServerURL)
	return nil
}

func (c *Client) buildWSURL() (string, error) {
	serverURL, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", err
	}

	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", serverURL.Scheme)
	}

	return serverURL.String(), nil
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Warn("connection failed", logging.KeyError, err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			log.Info("retrying", "delay", sleep)
			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff

		done := make(chan struct{})
		go c.writePump(done)
		c.readPump()
		close(done)
		c.connected.Store(false)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		c.runningMu.RLock()
		running := c.isRunning
		c.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Warn("failed to parse message", logging.KeyError, err)
			continue
		}
		// Acks and other server notices carry no ID.
		if cmd.ID == "" {
			continue
		}

		go c.processCommand(cmd)
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", logging.KeyError, err)
				conn.Close()
				return
			}
			c.sent.Add(1)

		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) processCommand(cmd Command) {
	log.Info("processing command", "commandId", cmd.ID, "commandType", cmd.Type)

	var result CommandResult
	if c.cmdHandler == nil {
		result = CommandResult{Status: "failed", Error: "commands not accepted"}
	} else {
		result = c.cmdHandler(cmd)
	}
	result.Type = "command_result"
	result.CommandID = cmd.ID

	if err := c.SendResult(result); err != nil {
		log.Error("failed to send command result", logging.KeyError, err)
	}
}

// SendResult sends a command result back to the collector.
func (c *Client) SendResult(result CommandResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("client is stopped")
	default:
		return fmt.Errorf("send channel is full")
	}
}
