package sessionbroker

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/ipc"
	"github.com/breeze-rmm/hidlistener/internal/logging"
)

var log = logging.L("sessionbroker")

type outbound struct {
	msgType string
	payload any
}

// Session represents a connected consumer with verified identity. It is the
// transport sink for every port allocated on its behalf.
type Session struct {
	ID          string
	UID         uint32 // 0 on Windows
	IdentityKey string // UID string on Unix, SID on Windows
	Username    string
	PID         int
	ProcessName string
	Client      string
	ConnectedAt time.Time

	conn *ipc.Conn

	mu       sync.Mutex
	lastSeen time.Time
	streams  map[ipc.Stream]hid.Port

	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewSession creates a session for a verified consumer connection. queueSize
// bounds the events buffered for the writer.
func NewSession(conn *ipc.Conn, id string, creds *ipc.PeerCredentials, req ipc.AuthRequest, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	now := time.Now()
	return &Session{
		ID:          id,
		UID:         creds.UID,
		IdentityKey: creds.IdentityKey(),
		Username:    req.Username,
		PID:         creds.PID,
		ProcessName: creds.ProcessName,
		Client:      req.Client,
		ConnectedAt: now,
		conn:        conn,
		lastSeen:    now,
		streams:     make(map[ipc.Stream]hid.Port),
		out:         make(chan outbound, queueSize),
		done:        make(chan struct{}),
	}
}

// Deliver queues a decoded event for the consumer. It never blocks: a full
// queue or a closed session drops the event.
func (s *Session) Deliver(port hid.Port, event any) bool {
	var msgType string
	switch event.(type) {
	case hid.KeyboardEvent:
		msgType = ipc.TypeKeyboardEvent
	case hid.MouseEvent:
		msgType = ipc.TypeMouseEvent
	default:
		log.Warn("unexpected event type", logging.KeyPort, int64(port), "type", fmt.Sprintf("%T", event))
		return false
	}

	select {
	case <-s.done:
		s.dropped.Add(1)
		return false
	default:
	}

	select {
	case s.out <- outbound{msgType: msgType, payload: event}:
		return true
	default:
		if n := s.dropped.Add(1); n&(n-1) == 0 {
			log.Warn("consumer queue full, dropping events",
				logging.KeySessionID, s.ID,
				"dropped", n,
			)
		}
		return false
	}
}

// Send writes a control message directly, bypassing the event queue.
func (s *Session) Send(id, msgType string, payload any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	return s.conn.SendTyped(id, msgType, payload)
}

// SendError writes an error reply for a request.
func (s *Session) SendError(id, msgType string, err error) error {
	return s.conn.SendError(id, msgType, err.Error())
}

// writeLoop drains the event queue onto the connection until the session
// closes or a write fails.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := s.conn.SendTyped("", msg.msgType, msg.payload); err != nil {
				log.Debug("event write failed", logging.KeySessionID, s.ID, logging.KeyError, err)
				s.Close()
				return
			}
			s.sent.Add(1)
		}
	}
}

// Touch updates the last-seen timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// IdleDuration returns how long this session has been idle.
func (s *Session) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen)
}

func (s *Session) port(stream ipc.Stream) (hid.Port, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.streams[stream]
	return p, ok
}

func (s *Session) setPort(stream ipc.Stream, port hid.Port) {
	s.mu.Lock()
	s.streams[stream] = port
	s.mu.Unlock()
}

// dropStream forgets stream only if it still maps to port.
func (s *Session) dropStream(stream ipc.Stream, port hid.Port) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[stream] != port {
		return false
	}
	delete(s.streams, stream)
	return true
}

func (s *Session) takeStreams() map[ipc.Stream]hid.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.streams
	s.streams = make(map[ipc.Stream]hid.Port)
	return out
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close stops the writer and closes the underlying connection. Safe to call
// more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Info returns a serializable summary of this session.
func (s *Session) Info() ipc.SessionSummary {
	s.mu.Lock()
	streams := make([]ipc.Stream, 0, len(s.streams))
	for stream := range s.streams {
		streams = append(streams, stream)
	}
	s.mu.Unlock()
	sort.Slice(streams, func(i, j int) bool { return streams[i] < streams[j] })

	return ipc.SessionSummary{
		SessionID:   s.ID,
		Username:    s.Username,
		PID:         s.PID,
		ProcessName: s.ProcessName,
		Streams:     streams,
		ConnectedAt: s.ConnectedAt,
		Sent:        s.sent.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// RecvLoop reads messages from the connection and hands each to onMessage.
// Returns when the connection is closed or an error occurs.
func (s *Session) RecvLoop(onMessage func(*Session, *ipc.Envelope)) {
	for {
		env, err := s.conn.Recv()
		if err != nil {
			log.Debug("session recv loop ended", logging.KeySessionID, s.ID, logging.KeyError, err)
			return
		}
		s.Touch()
		onMessage(s, env)
	}
}
