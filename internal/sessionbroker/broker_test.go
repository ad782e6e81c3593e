//go:build linux || darwin

package sessionbroker

import (
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/ipc"
	"github.com/breeze-rmm/hidlistener/internal/payload"
	"github.com/breeze-rmm/hidlistener/internal/transport"
)

func startBroker(t *testing.T) (*Broker, *fakeControl, *transport.Router, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "hlb")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "broker.sock")
	control := &fakeControl{}
	router := transport.NewRouter()
	broker := New(path, router, control)
	if err := broker.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(broker.Close)
	return broker, control, router, path
}

func authRequest() ipc.AuthRequest {
	return ipc.AuthRequest{
		ProtocolVersion: ipc.ProtocolVersion,
		UID:             uint32(os.Getuid()),
		Username:        "tester",
		PID:             os.Getpid(),
		Client:          "broker-test",
	}
}

func dialRaw(t *testing.T, path string) *ipc.Conn {
	t.Helper()
	raw, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := ipc.NewConn(raw)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func authenticate(t *testing.T, conn *ipc.Conn, req ipc.AuthRequest) ipc.AuthResponse {
	t.Helper()
	if err := conn.SendTyped("auth", ipc.TypeAuthRequest, req); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv auth response: %v", err)
	}
	if env.Type != ipc.TypeAuthResponse {
		t.Fatalf("expected auth_response, got %s", env.Type)
	}
	resp, err := ipc.DecodePayload[ipc.AuthResponse](env)
	if err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	if resp.Accepted {
		key, err := hex.DecodeString(resp.SessionKey)
		if err != nil {
			t.Fatalf("decode session key: %v", err)
		}
		conn.SetSessionKey(key)
	}
	return resp
}

func dialConsumer(t *testing.T, path string) *ipc.Conn {
	t.Helper()
	conn := dialRaw(t, path)
	if resp := authenticate(t, conn, authRequest()); !resp.Accepted {
		t.Fatalf("auth rejected: %s", resp.Reason)
	}
	return conn
}

// request sends a message and returns the reply with the same ID, skipping
// anything else the broker pushes in between.
func request(t *testing.T, conn *ipc.Conn, id, msgType string, body any) *ipc.Envelope {
	t.Helper()
	if err := conn.SendTyped(id, msgType, body); err != nil {
		t.Fatalf("send %s: %v", msgType, err)
	}
	for {
		env, err := conn.Recv()
		if err != nil {
			t.Fatalf("recv reply to %s: %v", msgType, err)
		}
		if env.ID == id {
			return env
		}
	}
}

func subscribe(t *testing.T, conn *ipc.Conn, stream ipc.Stream) hid.Port {
	t.Helper()
	env := request(t, conn, "sub-"+string(stream), ipc.TypeSubscribe, ipc.SubscribeRequest{Stream: stream})
	if env.Error != "" {
		t.Fatalf("subscribe %s: %s", stream, env.Error)
	}
	sub, err := ipc.DecodePayload[ipc.Subscribed](env)
	if err != nil {
		t.Fatalf("decode subscribed: %v", err)
	}
	if sub.Stream != stream || sub.Port == 0 {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	return hid.Port(sub.Port)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBrokerHandshakeAndPing(t *testing.T) {
	broker, _, _, path := startBroker(t)
	conn := dialConsumer(t, path)

	env := request(t, conn, "ping-1", ipc.TypePing, nil)
	if env.Type != ipc.TypePong {
		t.Fatalf("expected pong, got %s", env.Type)
	}
	waitFor(t, "session registration", func() bool { return broker.SessionCount() == 1 })

	info := broker.Sessions()[0]
	if info.Username != "tester" || info.PID != os.Getpid() {
		t.Errorf("unexpected session %+v", info)
	}
}

func TestBrokerRejectsUIDMismatch(t *testing.T) {
	_, _, _, path := startBroker(t)
	conn := dialRaw(t, path)

	req := authRequest()
	req.UID++
	resp := authenticate(t, conn, req)
	if resp.Accepted {
		t.Fatal("auth with a foreign UID should be rejected")
	}
	if resp.Reason != "UID mismatch" {
		t.Errorf("reason = %q", resp.Reason)
	}
}

func TestBrokerRejectsProtocolVersion(t *testing.T) {
	_, _, _, path := startBroker(t)
	conn := dialRaw(t, path)

	req := authRequest()
	req.ProtocolVersion = ipc.ProtocolVersion + 1
	if resp := authenticate(t, conn, req); resp.Accepted {
		t.Fatal("auth with an unknown protocol version should be rejected")
	}
}

func TestBrokerSubscribeRoutesEvents(t *testing.T) {
	_, control, router, path := startBroker(t)
	conn := dialConsumer(t, path)

	port := subscribe(t, conn, ipc.StreamKeyboard)
	if kb, _ := control.ports(); kb != int64(port) {
		t.Fatalf("keyboard listener = %d, want %d", kb, port)
	}

	ev := hid.KeyboardEvent{Type: hid.KeyDown, KeyCode: 0, Characters: "a", CharactersIgnoringModifiers: "a"}
	if !router.Post(port, payload.Box(ev)) {
		t.Fatal("router refused a subscribed port")
	}

	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv event: %v", err)
	}
	if env.Type != ipc.TypeKeyboardEvent {
		t.Fatalf("expected keyboard_event, got %s", env.Type)
	}
	got, err := ipc.DecodePayload[hid.KeyboardEvent](env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != ev {
		t.Errorf("got %+v, want %+v", got, ev)
	}
}

func TestBrokerSubscribeIsIdempotent(t *testing.T) {
	_, _, router, path := startBroker(t)
	conn := dialConsumer(t, path)

	first := subscribe(t, conn, ipc.StreamMouse)
	second := subscribe(t, conn, ipc.StreamMouse)
	if first != second {
		t.Errorf("resubscribe allocated a new port: %d then %d", first, second)
	}
	if n := router.Stats().Ports; n != 1 {
		t.Errorf("router ports = %d, want 1", n)
	}
}

func TestBrokerLastSubscriberWins(t *testing.T) {
	broker, control, router, path := startBroker(t)
	a := dialConsumer(t, path)
	b := dialConsumer(t, path)

	portA := subscribe(t, a, ipc.StreamKeyboard)
	portB := subscribe(t, b, ipc.StreamKeyboard)

	if kb, _ := control.ports(); kb != int64(portB) {
		t.Fatalf("keyboard listener = %d, want %d", kb, portB)
	}
	if router.Owns(portA) {
		t.Error("displaced port should be released")
	}
	if broker.ActivePort(ipc.StreamKeyboard) != portB {
		t.Error("active port should follow the latest subscriber")
	}

	env, err := a.Recv()
	if err != nil {
		t.Fatalf("recv notice: %v", err)
	}
	if env.Type != ipc.TypeUnsubscribe {
		t.Fatalf("expected unsubscribe notice, got %s", env.Type)
	}
	notice, _ := ipc.DecodePayload[ipc.SubscribeRequest](env)
	if notice.Stream != ipc.StreamKeyboard {
		t.Errorf("notice stream = %s", notice.Stream)
	}
}

func TestBrokerDisconnectClearsDestination(t *testing.T) {
	broker, control, router, path := startBroker(t)
	conn := dialConsumer(t, path)

	port := subscribe(t, conn, ipc.StreamMouse)
	conn.SendTyped("bye", ipc.TypeDisconnect, nil)

	waitFor(t, "session removal", func() bool { return broker.SessionCount() == 0 })
	if _, mouse := control.ports(); mouse != 0 {
		t.Errorf("mouse listener = %d after disconnect, want 0", mouse)
	}
	if router.Owns(port) {
		t.Error("port should be released after disconnect")
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	_, control, router, path := startBroker(t)
	conn := dialConsumer(t, path)

	port := subscribe(t, conn, ipc.StreamKeyboard)
	env := request(t, conn, "unsub", ipc.TypeUnsubscribe, ipc.SubscribeRequest{Stream: ipc.StreamKeyboard})
	if env.Error != "" {
		t.Fatalf("unsubscribe: %s", env.Error)
	}
	if kb, _ := control.ports(); kb != 0 {
		t.Errorf("keyboard listener = %d, want 0", kb)
	}
	if router.Owns(port) {
		t.Error("port should be released")
	}
}

func TestBrokerSubscribeErrors(t *testing.T) {
	_, control, router, path := startBroker(t)
	conn := dialConsumer(t, path)

	env := request(t, conn, "bad", ipc.TypeSubscribe, ipc.SubscribeRequest{Stream: "media"})
	if env.Error == "" {
		t.Error("unknown stream should be rejected")
	}

	control.mu.Lock()
	control.refuse = true
	control.mu.Unlock()

	env = request(t, conn, "refused", ipc.TypeSubscribe, ipc.SubscribeRequest{Stream: ipc.StreamKeyboard})
	if env.Error == "" {
		t.Error("subscribe should fail when the engine refuses the port")
	}
	if n := router.Stats().Ports; n != 0 {
		t.Errorf("refused subscription leaked %d ports", n)
	}
}

func TestBrokerSetEnabledAndStatus(t *testing.T) {
	_, control, _, path := startBroker(t)
	conn := dialConsumer(t, path)

	env := request(t, conn, "on", ipc.TypeSetEnabled, ipc.SetEnabledRequest{Enabled: true})
	state, err := ipc.DecodePayload[ipc.EnabledState](env)
	if err != nil {
		t.Fatalf("decode enabled state: %v", err)
	}
	if !state.Enabled || !control.isEnabled() {
		t.Error("set_enabled should reach the engine")
	}

	env = request(t, conn, "status", ipc.TypeStatusRequest, nil)
	report, err := ipc.DecodePayload[ipc.StatusReport](env)
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if report.Backend != "fake" {
		t.Errorf("backend = %q", report.Backend)
	}
	if len(report.Sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(report.Sessions))
	}
}

func TestBrokerCloseDisconnectsSessions(t *testing.T) {
	broker, _, _, path := startBroker(t)
	conn := dialConsumer(t, path)
	request(t, conn, "ping", ipc.TypePing, nil)

	broker.Close()
	if _, err := conn.Recv(); err == nil {
		t.Error("expected connection to be closed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("socket file should be removed on close")
	}
	if err := broker.Start(); err != ErrBrokerClosed {
		t.Errorf("Start after Close = %v, want ErrBrokerClosed", err)
	}
}

func TestBrokerFallbackReceivesIdleStream(t *testing.T) {
	broker, control, router, path := startBroker(t)

	resident := router.Allocate(transport.SinkFunc(func(hid.Port, any) bool { return true }))
	if !broker.SetFallback(ipc.StreamKeyboard, resident) {
		t.Fatal("SetFallback failed")
	}
	if kb, _ := control.ports(); kb != int64(resident) {
		t.Fatalf("keyboard listener = %d, want fallback %d", kb, resident)
	}

	conn := dialConsumer(t, path)
	port := subscribe(t, conn, ipc.StreamKeyboard)
	if kb, _ := control.ports(); kb != int64(port) {
		t.Fatalf("keyboard listener = %d, want subscriber %d", kb, port)
	}
	if !router.Owns(resident) {
		t.Fatal("fallback port must survive a takeover")
	}

	conn.SendTyped("bye", ipc.TypeDisconnect, nil)
	waitFor(t, "fallback restore", func() bool {
		kb, _ := control.ports()
		return kb == int64(resident)
	})
	if broker.ActivePort(ipc.StreamKeyboard) != resident {
		t.Error("active port should return to the fallback")
	}
}
