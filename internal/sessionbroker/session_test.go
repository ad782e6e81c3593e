package sessionbroker

import (
	"net"
	"testing"
	"time"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/ipc"
)

func createTestSession(t *testing.T, queueSize int) (*Session, *ipc.Conn) {
	t.Helper()
	serverConn, clientConn := createSocketPair(t)
	creds := &ipc.PeerCredentials{PID: 4242, UID: 1000, ProcessName: "consumer"}
	req := ipc.AuthRequest{ProtocolVersion: ipc.ProtocolVersion, UID: 1000, Username: "testuser", Client: "test"}
	session := NewSession(ipc.NewConn(serverConn), "session-1", creds, req, queueSize)
	client := ipc.NewConn(clientConn)
	t.Cleanup(func() {
		session.Close()
		client.Close()
	})
	return session, client
}

func createSocketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	clientCh := make(chan net.Conn, 1)
	go func() {
		conn, err := net.Dial("tcp", listener.Addr().String())
		if err != nil {
			t.Errorf("dial: %v", err)
			return
		}
		clientCh <- conn
	}()

	serverConn, err := listener.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	clientConn := <-clientCh
	return serverConn, clientConn
}

func TestSessionDeliverWritesEvents(t *testing.T) {
	session, client := createTestSession(t, 8)
	go session.writeLoop()

	if !session.Deliver(1, hid.KeyboardEvent{Type: hid.KeyDown, KeyCode: 12, Characters: "q"}) {
		t.Fatal("deliver keyboard event")
	}
	if !session.Deliver(2, hid.MouseEvent{X: 10, Y: 20, Type: hid.MouseLeftDown}) {
		t.Fatal("deliver mouse event")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := client.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if env.Type != ipc.TypeKeyboardEvent {
		t.Fatalf("expected %s, got %s", ipc.TypeKeyboardEvent, env.Type)
	}
	kev, err := ipc.DecodePayload[hid.KeyboardEvent](env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kev.KeyCode != 12 || kev.Characters != "q" {
		t.Errorf("unexpected keyboard event %+v", kev)
	}

	env, err = client.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	mev, err := ipc.DecodePayload[hid.MouseEvent](env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mev.Type != hid.MouseLeftDown || mev.X != 10 || mev.Y != 20 {
		t.Errorf("unexpected mouse event %+v", mev)
	}
}

func TestSessionDeliverDropsWhenQueueFull(t *testing.T) {
	session, _ := createTestSession(t, 2)
	// No writer: the queue fills up.
	ev := hid.KeyboardEvent{Type: hid.KeyDown}
	if !session.Deliver(1, ev) || !session.Deliver(1, ev) {
		t.Fatal("first two events should be queued")
	}
	if session.Deliver(1, ev) {
		t.Fatal("third event should be dropped")
	}
	if got := session.Info().Dropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestSessionDeliverRejectsUnknownPayload(t *testing.T) {
	session, _ := createTestSession(t, 2)
	if session.Deliver(1, "not an event") {
		t.Error("unknown payload type should be refused")
	}
}

func TestSessionDeliverAfterClose(t *testing.T) {
	session, _ := createTestSession(t, 2)
	session.Close()
	if session.Deliver(1, hid.MouseEvent{}) {
		t.Error("closed session should refuse events")
	}
	if err := session.Send("x", ipc.TypePong, nil); err != ErrSessionClosed {
		t.Errorf("Send after close = %v, want ErrSessionClosed", err)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	session, _ := createTestSession(t, 2)
	session.Close()
	session.Close()
	if !session.Closed() {
		t.Error("session should report closed")
	}
}

func TestSessionStreams(t *testing.T) {
	session, _ := createTestSession(t, 2)
	session.setPort(ipc.StreamMouse, 5)
	session.setPort(ipc.StreamKeyboard, 4)

	info := session.Info()
	if len(info.Streams) != 2 || info.Streams[0] != ipc.StreamKeyboard || info.Streams[1] != ipc.StreamMouse {
		t.Errorf("streams = %v", info.Streams)
	}
	if session.dropStream(ipc.StreamMouse, 9) {
		t.Error("dropStream with a stale port should be a no-op")
	}
	if !session.dropStream(ipc.StreamMouse, 5) {
		t.Error("dropStream with the current port should succeed")
	}
	if _, ok := session.port(ipc.StreamMouse); ok {
		t.Error("mouse stream should be gone")
	}
	if info.Username != "testuser" || info.PID != 4242 || info.ProcessName != "consumer" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestSessionIdleDuration(t *testing.T) {
	session, _ := createTestSession(t, 2)
	time.Sleep(20 * time.Millisecond)
	if session.IdleDuration() < 20*time.Millisecond {
		t.Error("idle duration should grow")
	}
	session.Touch()
	if session.IdleDuration() >= 20*time.Millisecond {
		t.Error("touch should reset idle duration")
	}
}
