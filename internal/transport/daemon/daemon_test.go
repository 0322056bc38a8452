package daemon

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/meshzork/meshzork/internal/protocol"
	"github.com/meshzork/meshzork/internal/transport"
)

// fakeDaemon is a loopback TCP listener standing in for the radio daemon.
type fakeDaemon struct {
	listener net.Listener
	conns    chan net.Conn
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDaemon{listener: listener, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			d.conns <- conn
		}
	}()
	t.Cleanup(func() { _ = listener.Close() })
	return d
}

func (d *fakeDaemon) port(t *testing.T) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(d.listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func (d *fakeDaemon) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-d.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func readFrame(t *testing.T, conn net.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no frame: %v", scanner.Err())
	}
	msg, err := protocol.Decode(scanner.Bytes())
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}

func TestConnectSendAndDisconnect(t *testing.T) {
	daemon := newFakeDaemon(t)
	link := New(Config{PlayerName: "Adventurer", Host: "127.0.0.1", Port: daemon.port(t)})

	if !link.Connect(context.Background()) {
		t.Fatal("expected connect to succeed")
	}
	if link.State() != transport.StateConnected {
		t.Fatalf("expected connected, got %s", link.State())
	}
	conn := daemon.accept(t)

	if !link.Send(protocol.NewChat(link.SenderID(), "hello", "whous", false)) {
		t.Fatal("expected send to succeed")
	}
	msg := readFrame(t, conn)
	if msg.Kind != protocol.KindChat {
		t.Fatalf("expected chat frame, got %q", msg.Kind)
	}

	link.Disconnect()
	if link.State() != transport.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", link.State())
	}
	// The leave announced during teardown arrives before the close.
	msg = readFrame(t, conn)
	if msg.Kind != protocol.KindLeave {
		t.Fatalf("expected leave frame, got %q", msg.Kind)
	}

	link.Disconnect() // second teardown is a no-op
}

func TestInboundFramesDispatch(t *testing.T) {
	daemon := newFakeDaemon(t)
	link := New(Config{PlayerName: "Adventurer", Host: "127.0.0.1", Port: daemon.port(t)})
	if !link.Connect(context.Background()) {
		t.Fatal("expected connect to succeed")
	}
	defer link.Disconnect()
	conn := daemon.accept(t)

	received := make(chan protocol.Message, 1)
	link.OnMessage(func(msg protocol.Message) { received <- msg })

	frame, err := protocol.Encode(protocol.Message{
		Kind:     protocol.KindJoin,
		SenderID: "ef34gh",
		Sequence: 1,
		Payload:  protocol.Join{Name: "Wanderer", Room: "whous"},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Kind != protocol.KindJoin || msg.SenderID != "ef34gh" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame not dispatched")
	}
}

func TestConnectFailsWhenDaemonAbsent(t *testing.T) {
	// Grab a free port and close it so nothing is listening there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	_ = listener.Close()

	link := New(Config{PlayerName: "Adventurer", Host: "127.0.0.1", Port: port, DialTimeout: 500 * time.Millisecond})
	if link.Connect(context.Background()) {
		t.Fatal("expected connect to fail")
	}
	if link.State() != transport.StateError {
		t.Fatalf("expected error state, got %s", link.State())
	}
}

func TestDaemonDeathFlipsStateToError(t *testing.T) {
	daemon := newFakeDaemon(t)
	link := New(Config{PlayerName: "Adventurer", Host: "127.0.0.1", Port: daemon.port(t)})
	if !link.Connect(context.Background()) {
		t.Fatal("expected connect to succeed")
	}
	defer link.Disconnect()

	states := make(chan transport.State, 4)
	link.OnStateChange(func(s transport.State) { states <- s })

	conn := daemon.accept(t)
	_ = conn.Close()

	select {
	case s := <-states:
		if s != transport.StateError {
			t.Fatalf("expected error state, got %s", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state change after daemon death")
	}
}

func TestProbe(t *testing.T) {
	daemon := newFakeDaemon(t)
	if !Probe("127.0.0.1", daemon.port(t), time.Second) {
		t.Fatal("expected probe to succeed against live listener")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	_ = listener.Close()
	if Probe("127.0.0.1", port, 500*time.Millisecond) {
		t.Fatal("expected probe to fail against closed port")
	}
}
