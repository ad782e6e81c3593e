package ipc

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"sync"
	"time"

	"github.com/breeze-rmm/hidlistener/internal/logging"
)

var log = logging.L("ipc")

// ErrHMACMismatch is returned by Recv for a frame signed with another key
// or altered in transit.
var ErrHMACMismatch = errors.New("ipc: HMAC mismatch")

// preAuthKey signs frames exchanged before a session key is agreed.
var preAuthKey = make([]byte, 32)

// Conn frames envelopes as [4-byte big-endian length][JSON], signs each
// with HMAC-SHA256 and rejects replayed or reordered frames.
type Conn struct {
	conn net.Conn

	keyMu sync.RWMutex
	key   []byte

	// mu covers sendSeq and the frame write so frames leave in seq order.
	mu      sync.Mutex
	sendSeq uint64

	recvMu  sync.Mutex
	recvSeq uint64
	header  [4]byte
}

// NewConn wraps conn. Frames are signed with the pre-auth key until
// SetSessionKey is called.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// SetSessionKey switches both directions to key.
func (c *Conn) SetSessionKey(key []byte) {
	c.keyMu.Lock()
	c.key = key
	c.keyMu.Unlock()
}

// SessionKey returns the current session key, nil before auth.
func (c *Conn) SessionKey() []byte {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.key
}

func (c *Conn) Close() error         { return c.conn.Close() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// Send assigns the next sequence number, signs env and writes it in one
// frame.
func (c *Conn) Send(env *Envelope) error {
	payload, err := canonicalPayload(env.Payload)
	if err != nil {
		return err
	}
	env.Payload = payload

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sendSeq++
	env.Seq = c.sendSeq
	env.HMAC = c.sign(env)

	var buf bytes.Buffer
	buf.Write(make([]byte, 4))
	if err := json.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	frame := buf.Bytes()
	n := len(frame) - 4
	if n > MaxMessageSize {
		return fmt.Errorf("ipc: message too large: %d > %d", n, MaxMessageSize)
	}
	binary.BigEndian.PutUint32(frame, uint32(n))

	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("ipc: write frame: %w", err)
	}
	return nil
}

// Recv reads one frame and verifies its signature and sequence number.
func (c *Conn) Recv() (*Envelope, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if _, err := io.ReadFull(c.conn, c.header[:]); err != nil {
		return nil, fmt.Errorf("ipc: read header: %w", err)
	}
	n := binary.BigEndian.Uint32(c.header[:])
	switch {
	case n == 0:
		return nil, fmt.Errorf("ipc: zero-length message")
	case n > uint32(MaxMessageSize):
		return nil, fmt.Errorf("ipc: message too large: %d > %d", n, MaxMessageSize)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}
	env.Payload = normalizePayload(env.Payload)

	got, err := hex.DecodeString(env.HMAC)
	if err != nil || !hmac.Equal(got, c.mac(&env)) {
		return nil, ErrHMACMismatch
	}
	if env.Seq <= c.recvSeq {
		return nil, fmt.Errorf("ipc: sequence number %d <= last %d (replay/duplicate)", env.Seq, c.recvSeq)
	}
	c.recvSeq = env.Seq
	return &env, nil
}

// SendTyped marshals payload into an envelope and sends it.
func (c *Conn) SendTyped(id, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return c.Send(&Envelope{ID: id, Type: msgType, Payload: raw})
}

// SendError replies to request id with an error and no payload.
func (c *Conn) SendError(id, msgType, errMsg string) error {
	return c.Send(&Envelope{ID: id, Type: msgType, Error: errMsg})
}

func (c *Conn) sign(env *Envelope) string {
	return hex.EncodeToString(c.mac(env))
}

// mac is HMAC-SHA256 over id, seq, type, payload and error, each field
// length-prefixed so no two envelopes share an input.
func (c *Conn) mac(env *Envelope) []byte {
	key := c.SessionKey()
	if key == nil {
		key = preAuthKey
	}
	m := hmac.New(sha256.New, key)
	writeField(m, []byte(env.ID))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], env.Seq)
	m.Write(seq[:])
	writeField(m, []byte(env.Type))
	writeField(m, env.Payload)
	writeField(m, []byte(env.Error))
	return m.Sum(nil)
}

func writeField(h hash.Hash, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// normalizePayload maps an absent payload and a JSON null to nil so that
// sender and receiver sign the same bytes.
func normalizePayload(p json.RawMessage) json.RawMessage {
	p = bytes.TrimSpace(p)
	if len(p) == 0 || string(p) == "null" {
		return nil
	}
	return p
}

// canonicalPayload returns p exactly as it will appear on the wire:
// compacted and HTML-escaped the way encoding/json writes a RawMessage.
func canonicalPayload(p json.RawMessage) (json.RawMessage, error) {
	p = normalizePayload(p)
	if p == nil {
		return nil, nil
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("ipc: invalid payload: %w", err)
	}
	return out, nil
}

// GenerateSessionKey creates a random 256-bit key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("ipc: generate session key: %w", err)
	}
	return key, nil
}

// DecodePayload decodes an envelope's payload into T. An absent payload is
// an error.
func DecodePayload[T any](env *Envelope) (T, error) {
	var result T
	if len(normalizePayload(env.Payload)) == 0 {
		return result, fmt.Errorf("ipc: %s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		return result, fmt.Errorf("ipc: %s: decode payload: %w", env.Type, err)
	}
	return result, nil
}
