package sessionbroker

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/ipc"
	"github.com/breeze-rmm/hidlistener/internal/logging"
	"github.com/breeze-rmm/hidlistener/internal/transport"
)

const (
	// HandshakeTimeout is the deadline for completing auth after connecting.
	HandshakeTimeout = 5 * time.Second

	// IdleTimeout disconnects consumers that send no messages for this duration.
	IdleTimeout = 5 * time.Minute

	// MaxConnectionsPerIdentity limits concurrent connections per user.
	MaxConnectionsPerIdentity = 4

	// RateLimitAttempts is max connection attempts per identity per window.
	RateLimitAttempts = 10

	// RateLimitWindow is the sliding window for rate limiting.
	RateLimitWindow = 60 * time.Second

	// IdleCheckInterval is how often to scan for idle sessions.
	IdleCheckInterval = 30 * time.Second

	// WriteTimeout bounds a single event write to a consumer.
	WriteTimeout = 2 * time.Second

	// DefaultQueueSize is the per-session event buffer.
	DefaultQueueSize = 512
)

// Control is the engine surface the broker drives on behalf of consumers.
type Control interface {
	SetKeyboardListener(port int64) bool
	SetMouseListener(port int64) bool
	SetEnabled(enabled bool) bool
	Status() ipc.StatusReport
}

// Broker accepts consumer connections, authenticates them and routes the
// engine's event streams to the sessions that subscribe.
type Broker struct {
	socketPath  string
	router      *transport.Router
	control     Control
	queueSize   int
	rateLimiter *ipc.RateLimiter
	peerCreds   func(net.Conn) (*ipc.PeerCredentials, error)

	mu         sync.RWMutex
	listener   net.Listener
	sessions   map[string]*Session // session ID -> Session
	byIdentity map[string][]*Session
	active     map[ipc.Stream]hid.Port
	fallback   map[ipc.Stream]hid.Port
	closed     bool
	stop       chan struct{}
}

// New creates a broker. Ports are allocated from router; subscriptions are
// applied through control.
func New(socketPath string, router *transport.Router, control Control) *Broker {
	return &Broker{
		socketPath:  socketPath,
		router:      router,
		control:     control,
		queueSize:   DefaultQueueSize,
		rateLimiter: ipc.NewRateLimiter(RateLimitAttempts, RateLimitWindow),
		peerCreds:   ipc.GetPeerCredentials,
		sessions:    make(map[string]*Session),
		byIdentity:  make(map[string][]*Session),
		active:      make(map[ipc.Stream]hid.Port),
		fallback:    make(map[ipc.Stream]hid.Port),
		stop:        make(chan struct{}),
	}
}

// SetQueueSize sets the per-session event buffer for later connections.
func (b *Broker) SetQueueSize(n int) {
	if n > 0 {
		b.queueSize = n
	}
}

// SetFallback names a resident port that receives stream whenever no
// consumer is subscribed to it. It takes effect immediately when the stream
// is idle. A zero port clears the fallback.
func (b *Broker) SetFallback(stream ipc.Stream, port hid.Port) bool {
	if !stream.Valid() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.fallback[stream]
	if port == 0 {
		delete(b.fallback, stream)
	} else {
		b.fallback[stream] = port
	}
	if cur := b.active[stream]; cur == 0 || cur == old {
		if !b.setListener(stream, port) {
			return false
		}
		if port == 0 {
			delete(b.active, stream)
		} else {
			b.active[stream] = port
		}
	}
	return true
}

// Start creates the listener and begins accepting connections in the
// background.
func (b *Broker) Start() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.mu.Unlock()

	listener, err := b.setupSocket()
	if err != nil {
		return fmt.Errorf("sessionbroker: setup socket: %w", err)
	}

	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()

	log.Info("session broker listening", "path", b.socketPath)

	go b.idleReaper()
	go b.acceptLoop(listener)
	return nil
}

// Listen starts the broker and blocks until stopChan is closed.
func (b *Broker) Listen(stopChan <-chan struct{}) error {
	if err := b.Start(); err != nil {
		return err
	}
	<-stopChan
	b.Close()
	return nil
}

func (b *Broker) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			b.mu.RLock()
			closed := b.closed
			b.mu.RUnlock()
			if closed {
				return
			}
			log.Warn("accept error", logging.KeyError, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go b.handleConnection(conn)
	}
}

// Close shuts down the broker and all sessions.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.stop)
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	listener := b.listener
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	if listener != nil {
		listener.Close()
		if runtime.GOOS != "windows" {
			os.Remove(b.socketPath)
		}
	}

	log.Info("session broker closed")
}

// Sessions returns summaries of all connected sessions.
func (b *Broker) Sessions() []ipc.SessionSummary {
	b.mu.RLock()
	defer b.mu.RUnlock()
	infos := make([]ipc.SessionSummary, 0, len(b.sessions))
	for _, s := range b.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// SessionCount returns the number of active sessions.
func (b *Broker) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// ActivePort returns the port currently receiving stream, or zero.
func (b *Broker) ActivePort(stream ipc.Stream) hid.Port {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active[stream]
}

func (b *Broker) handleConnection(rawConn net.Conn) {
	rawConn.SetDeadline(time.Now().Add(HandshakeTimeout))

	// Step 1: kernel-verified peer identity
	creds, err := b.peerCreds(rawConn)
	if err != nil {
		log.Warn("peer credential check failed", logging.KeyError, err)
		rawConn.Close()
		return
	}
	identity := creds.IdentityKey()

	// Step 2: rate limit
	if ok, retryAfter := b.rateLimiter.Allow(identity); !ok {
		log.Warn("connection rate limited", "identity", identity, "pid", creds.PID, "retryAfter", retryAfter)
		rawConn.Close()
		return
	}

	// Step 3: max connections per identity
	b.mu.RLock()
	count := len(b.byIdentity[identity])
	b.mu.RUnlock()
	if count >= MaxConnectionsPerIdentity {
		log.Warn("max connections per identity exceeded", "identity", identity, "count", count)
		rawConn.Close()
		return
	}

	// Step 4: same user as the engine
	if !creds.SameUser() {
		log.Warn("rejecting consumer from another user",
			"identity", identity,
			"pid", creds.PID,
			"process", creds.ProcessName,
		)
		rawConn.Close()
		return
	}

	conn := ipc.NewConn(rawConn)

	// Step 5: auth request
	env, err := conn.Recv()
	if err != nil {
		log.Warn("auth request read failed", "identity", identity, logging.KeyError, err)
		conn.Close()
		return
	}
	if env.Type != ipc.TypeAuthRequest {
		log.Warn("expected auth_request", "type", env.Type)
		conn.Close()
		return
	}
	authReq, err := ipc.DecodePayload[ipc.AuthRequest](env)
	if err != nil {
		log.Warn("invalid auth request payload", logging.KeyError, err)
		conn.Close()
		return
	}
	if reason := verifyClaims(authReq, creds); reason != "" {
		log.Warn("auth claims rejected", "identity", identity, "reason", reason)
		conn.SendTyped(env.ID, ipc.TypeAuthResponse, ipc.AuthResponse{Accepted: false, Reason: reason})
		conn.Close()
		return
	}

	sessionKey, err := ipc.GenerateSessionKey()
	if err != nil {
		log.Error("failed to generate session key", logging.KeyError, err)
		conn.Close()
		return
	}
	sessionID := uuid.NewString()

	if err := conn.SendTyped(env.ID, ipc.TypeAuthResponse, ipc.AuthResponse{
		Accepted:   true,
		SessionKey: hex.EncodeToString(sessionKey),
		SessionID:  sessionID,
	}); err != nil {
		log.Warn("failed to send auth response", logging.KeyError, err)
		conn.Close()
		return
	}
	conn.SetSessionKey(sessionKey)
	rawConn.SetDeadline(time.Time{})

	session := NewSession(conn, sessionID, creds, authReq, b.queueSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		session.Close()
		return
	}
	b.sessions[sessionID] = session
	b.byIdentity[identity] = append(b.byIdentity[identity], session)
	b.mu.Unlock()

	log.Info("consumer connected",
		logging.KeySessionID, sessionID,
		"username", authReq.Username,
		"client", authReq.Client,
		"pid", creds.PID,
		"process", creds.ProcessName,
	)

	go session.writeLoop()
	session.RecvLoop(b.handleMessage)

	session.Close()
	b.removeSession(session)
	log.Info("consumer disconnected", logging.KeySessionID, sessionID)
}

// verifyClaims returns a rejection reason when the auth request disagrees
// with the kernel-verified credentials.
func verifyClaims(req ipc.AuthRequest, creds *ipc.PeerCredentials) string {
	if req.ProtocolVersion != ipc.ProtocolVersion {
		return fmt.Sprintf("protocol version %d unsupported", req.ProtocolVersion)
	}
	if creds.SID != "" {
		if req.SID != creds.SID {
			return "SID mismatch"
		}
		return ""
	}
	if req.UID != creds.UID {
		return "UID mismatch"
	}
	return ""
}

func (b *Broker) handleMessage(s *Session, env *ipc.Envelope) {
	switch env.Type {
	case ipc.TypePing:
		s.Send(env.ID, ipc.TypePong, nil)
	case ipc.TypeSubscribe:
		req, err := ipc.DecodePayload[ipc.SubscribeRequest](env)
		if err != nil {
			s.SendError(env.ID, ipc.TypeSubscribed, err)
			return
		}
		port, err := b.subscribe(s, req.Stream)
		if err != nil {
			s.SendError(env.ID, ipc.TypeSubscribed, err)
			return
		}
		s.Send(env.ID, ipc.TypeSubscribed, ipc.Subscribed{Stream: req.Stream, Port: int64(port)})
	case ipc.TypeUnsubscribe:
		req, err := ipc.DecodePayload[ipc.SubscribeRequest](env)
		if err != nil {
			s.SendError(env.ID, ipc.TypeUnsubscribe, err)
			return
		}
		b.unsubscribe(s, req.Stream)
		s.Send(env.ID, ipc.TypeUnsubscribe, req)
	case ipc.TypeSetEnabled:
		req, err := ipc.DecodePayload[ipc.SetEnabledRequest](env)
		if err != nil {
			s.SendError(env.ID, ipc.TypeEnabledState, err)
			return
		}
		if !b.control.SetEnabled(req.Enabled) {
			s.SendError(env.ID, ipc.TypeEnabledState, ErrEngineRefused)
			return
		}
		log.Info("delivery toggled by consumer", logging.KeySessionID, s.ID, "enabled", req.Enabled)
		s.Send(env.ID, ipc.TypeEnabledState, ipc.EnabledState{Enabled: req.Enabled})
	case ipc.TypeStatusRequest:
		report := b.control.Status()
		report.Sessions = b.Sessions()
		s.Send(env.ID, ipc.TypeStatus, report)
	case ipc.TypeDisconnect:
		log.Info("consumer disconnecting", logging.KeySessionID, s.ID)
		s.Close()
	default:
		log.Debug("unhandled message", logging.KeySessionID, s.ID, "type", env.Type)
	}
}

func (b *Broker) setListener(stream ipc.Stream, port hid.Port) bool {
	switch stream {
	case ipc.StreamKeyboard:
		return b.control.SetKeyboardListener(int64(port))
	case ipc.StreamMouse:
		return b.control.SetMouseListener(int64(port))
	}
	return false
}

// subscribe routes stream to s. The most recent subscriber wins; the session
// it replaces is told with an unsubscribe notice.
func (b *Broker) subscribe(s *Session, stream ipc.Stream) (hid.Port, error) {
	if !stream.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}

	var displaced []*Session
	defer func() {
		for _, other := range displaced {
			other.Send("", ipc.TypeUnsubscribe, ipc.SubscribeRequest{Stream: stream})
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBrokerClosed
	}

	if port, ok := s.port(stream); ok && b.active[stream] == port {
		return port, nil
	}

	port := b.router.Allocate(s)
	if !b.setListener(stream, port) {
		b.router.Release(port)
		return 0, ErrEngineRefused
	}

	if prev := b.active[stream]; prev != 0 && prev != b.fallback[stream] {
		b.router.Release(prev)
		for _, other := range b.sessions {
			if other != s && other.dropStream(stream, prev) {
				displaced = append(displaced, other)
				log.Info("stream taken over",
					logging.KeyStream, string(stream),
					"from", other.ID,
					"to", s.ID,
				)
			}
		}
	}
	b.active[stream] = port
	s.setPort(stream, port)

	log.Info("stream subscribed",
		logging.KeySessionID, s.ID,
		logging.KeyStream, string(stream),
		logging.KeyPort, int64(port),
	)
	return port, nil
}

func (b *Broker) unsubscribe(s *Session, stream ipc.Stream) {
	port, ok := s.port(stream)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.dropStream(stream, port) {
		b.releaseLocked(stream, port)
	}
}

// releaseLocked frees port and, when port was the active one for stream,
// hands the stream back to its fallback or unsets it. Callers hold b.mu.
func (b *Broker) releaseLocked(stream ipc.Stream, port hid.Port) {
	b.router.Release(port)
	if b.active[stream] != port {
		return
	}
	fb := b.fallback[stream]
	b.setListener(stream, fb)
	if fb == 0 {
		delete(b.active, stream)
		log.Info("stream unrouted", logging.KeyStream, string(stream), logging.KeyPort, int64(port))
		return
	}
	b.active[stream] = fb
	log.Info("stream returned to fallback", logging.KeyStream, string(stream), logging.KeyPort, int64(fb))
}

func (b *Broker) removeSession(session *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for stream, port := range session.takeStreams() {
		b.releaseLocked(stream, port)
	}

	delete(b.sessions, session.ID)

	identity := session.IdentityKey
	sessions := b.byIdentity[identity]
	for i, s := range sessions {
		if s == session {
			b.byIdentity[identity] = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(b.byIdentity[identity]) == 0 {
		delete(b.byIdentity, identity)
	}
}

func (b *Broker) idleReaper() {
	ticker := time.NewTicker(IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.reapIdleSessions()
			b.rateLimiter.Prune()
		case <-b.stop:
			return
		}
	}
}

func (b *Broker) reapIdleSessions() {
	b.mu.RLock()
	var toClose []*Session
	for _, s := range b.sessions {
		if s.IdleDuration() > IdleTimeout {
			toClose = append(toClose, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range toClose {
		log.Info("disconnecting idle consumer", logging.KeySessionID, s.ID, "idle", s.IdleDuration())
		s.Close()
	}
}
