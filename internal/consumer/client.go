// Package consumer is the out-of-process side of the event stream: it
// connects to a running engine, authenticates, subscribes to streams and
// receives decoded events.
package consumer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/ipc"
	"github.com/breeze-rmm/hidlistener/internal/logging"
)

var log = logging.L("consumer")

// KeepaliveInterval is how often an idle client pings the engine.
const KeepaliveInterval = 30 * time.Second

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("consumer: client closed")

// EventKind tags what an Event carries.
type EventKind int

const (
	EventKeyboard EventKind = iota
	EventMouse
	// EventRevoked means another consumer took over Stream.
	EventRevoked
)

// Event is one message pushed by the engine.
type Event struct {
	Kind     EventKind
	Stream   ipc.Stream
	Keyboard hid.KeyboardEvent
	Mouse    hid.MouseEvent
}

// Client is the consumer side of the IPC connection to the engine.
type Client struct {
	socketPath string
	name       string

	conn      *ipc.Conn
	sessionID string

	events    chan Event
	stopChan  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error

	pendingMu sync.Mutex
	pending   map[string]chan *ipc.Envelope
}

// New creates a client for the engine listening on socketPath. name is
// reported to the engine for logging.
func New(socketPath, name string) *Client {
	return &Client{
		socketPath: socketPath,
		name:       name,
		events:     make(chan Event, 256),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
		pending:    make(map[string]chan *ipc.Envelope),
	}
}

// Connect dials the engine, authenticates and starts the receive loop.
func (c *Client) Connect(ctx context.Context) error {
	raw, err := c.dialIPC(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.conn = ipc.NewConn(raw)

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	}
	if err := c.authenticate(); err != nil {
		c.conn.Close()
		return fmt.Errorf("authenticate: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	log.Info("connected to engine", logging.KeySessionID, c.sessionID)

	go c.recvLoop()
	go c.keepalive()
	return nil
}

// SessionID returns the engine-assigned session identifier.
func (c *Client) SessionID() string { return c.sessionID }

// Events delivers pushed events. It is closed when the connection ends.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the receive loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the receive loop exited. Valid after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) authenticate() error {
	cu, err := user.Current()
	if err != nil {
		return fmt.Errorf("get current user: %w", err)
	}

	uid, err := strconv.ParseUint(cu.Uid, 10, 32)
	var sid string
	if err != nil {
		// On Windows, cu.Uid is the SID string (e.g., "S-1-5-21-...")
		uid = 0
		sid = cu.Uid
	}

	req := ipc.AuthRequest{
		ProtocolVersion: ipc.ProtocolVersion,
		UID:             uint32(uid),
		SID:             sid,
		Username:        cu.Username,
		PID:             os.Getpid(),
		Client:          c.name,
	}
	if err := c.conn.SendTyped("auth", ipc.TypeAuthRequest, req); err != nil {
		return fmt.Errorf("send auth request: %w", err)
	}

	env, err := c.conn.Recv()
	if err != nil {
		return fmt.Errorf("recv auth response: %w", err)
	}
	if env.Type != ipc.TypeAuthResponse {
		return fmt.Errorf("expected auth_response, got %s", env.Type)
	}
	resp, err := ipc.DecodePayload[ipc.AuthResponse](env)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("auth rejected: %s", resp.Reason)
	}

	key, err := hex.DecodeString(resp.SessionKey)
	if err != nil {
		return fmt.Errorf("decode session key: %w", err)
	}
	c.conn.SetSessionKey(key)
	c.sessionID = resp.SessionID
	return nil
}

func (c *Client) recvLoop() {
	defer close(c.done)
	defer close(c.events)
	defer c.closePendingResponses()

	for {
		env, err := c.conn.Recv()
		if err != nil {
			select {
			case <-c.stopChan:
			default:
				c.err = fmt.Errorf("recv: %w", err)
			}
			return
		}

		if env.ID != "" && c.resolvePendingResponse(env) {
			continue
		}

		switch env.Type {
		case ipc.TypeKeyboardEvent:
			ev, err := ipc.DecodePayload[hid.KeyboardEvent](env)
			if err != nil {
				log.Warn("bad keyboard event", logging.KeyError, err)
				continue
			}
			c.emit(Event{Kind: EventKeyboard, Stream: ipc.StreamKeyboard, Keyboard: ev})

		case ipc.TypeMouseEvent:
			ev, err := ipc.DecodePayload[hid.MouseEvent](env)
			if err != nil {
				log.Warn("bad mouse event", logging.KeyError, err)
				continue
			}
			c.emit(Event{Kind: EventMouse, Stream: ipc.StreamMouse, Mouse: ev})

		case ipc.TypeUnsubscribe:
			notice, err := ipc.DecodePayload[ipc.SubscribeRequest](env)
			if err != nil {
				continue
			}
			log.Info("stream taken over by another consumer", logging.KeyStream, string(notice.Stream))
			c.emit(Event{Kind: EventRevoked, Stream: notice.Stream})

		case ipc.TypePong:

		case ipc.TypeDisconnect:
			log.Info("disconnect received from engine")
			return

		default:
			log.Debug("unhandled message type", "type", env.Type)
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stopChan:
	}
}

func (c *Client) keepalive() {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.SendTyped("", ipc.TypePing, nil); err != nil {
				log.Debug("keepalive ping failed", logging.KeyError, err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// request sends a message and waits for the reply carrying the same ID.
func (c *Client) request(ctx context.Context, msgType string, body any) (*ipc.Envelope, error) {
	id := uuid.NewString()
	ch := c.registerPendingResponse(id)
	defer c.unregisterPendingResponse(id)

	if err := c.conn.SendTyped(id, msgType, body); err != nil {
		return nil, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if env.Error != "" {
			return nil, fmt.Errorf("consumer: %s: %s", msgType, env.Error)
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe asks the engine to route stream to this client and returns the
// allocated port.
func (c *Client) Subscribe(ctx context.Context, stream ipc.Stream) (hid.Port, error) {
	env, err := c.request(ctx, ipc.TypeSubscribe, ipc.SubscribeRequest{Stream: stream})
	if err != nil {
		return 0, err
	}
	sub, err := ipc.DecodePayload[ipc.Subscribed](env)
	if err != nil {
		return 0, err
	}
	return hid.Port(sub.Port), nil
}

// Unsubscribe stops routing stream to this client.
func (c *Client) Unsubscribe(ctx context.Context, stream ipc.Stream) error {
	_, err := c.request(ctx, ipc.TypeUnsubscribe, ipc.SubscribeRequest{Stream: stream})
	return err
}

// SetEnabled toggles event delivery in the engine.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) (bool, error) {
	env, err := c.request(ctx, ipc.TypeSetEnabled, ipc.SetEnabledRequest{Enabled: enabled})
	if err != nil {
		return false, err
	}
	state, err := ipc.DecodePayload[ipc.EnabledState](env)
	if err != nil {
		return false, err
	}
	return state.Enabled, nil
}

// Status fetches the engine's status report.
func (c *Client) Status(ctx context.Context) (ipc.StatusReport, error) {
	env, err := c.request(ctx, ipc.TypeStatusRequest, nil)
	if err != nil {
		return ipc.StatusReport{}, err
	}
	return ipc.DecodePayload[ipc.StatusReport](env)
}

// Ping round-trips a ping to the engine.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, ipc.TypePing, nil)
	return err
}

// Close tells the engine we are leaving and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopChan)
		if c.conn == nil {
			close(c.done)
			close(c.events)
			return
		}
		c.conn.SendTyped("disconnect", ipc.TypeDisconnect, nil)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) registerPendingResponse(id string) chan *ipc.Envelope {
	ch := make(chan *ipc.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) unregisterPendingResponse(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) resolvePendingResponse(env *ipc.Envelope) bool {
	c.pendingMu.Lock()
	ch := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.pendingMu.Unlock()
	if ch == nil {
		return false
	}
	ch <- env
	return true
}

func (c *Client) closePendingResponses() {
	c.pendingMu.Lock()
	chans := make([]chan *ipc.Envelope, 0, len(c.pending))
	for id, ch := range c.pending {
		delete(c.pending, id)
		chans = append(chans, ch)
	}
	c.pendingMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}
