// Package daemon implements the link to a radio daemon listening on
// localhost TCP. Frames are newline-delimited JSON; the daemon relays them
// over the mesh on the node's behalf.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meshzork/meshzork/internal/transport"
)

const (
	// DefaultHost is where the daemon normally listens.
	DefaultHost = "localhost"
	// DefaultPort is the daemon's conventional TCP port.
	DefaultPort = 4403

	defaultDialTimeout = 5 * time.Second
	maxFrameBytes      = 4096
	readerJoinTimeout  = 2 * time.Second
)

// ErrNotConnected reports a write attempted without an open connection.
var ErrNotConnected = errors.New("daemon: not connected")

// Config holds daemon link parameters.
type Config struct {
	PlayerName string
	// Host defaults to DefaultHost.
	Host string
	// Port defaults to DefaultPort.
	Port int
	// Heartbeat overrides the link default when positive.
	Heartbeat time.Duration
	// DialTimeout bounds the TCP dial; defaults to 5s.
	DialTimeout time.Duration
}

// Transport is the daemon link. It satisfies transport.Transport.
type Transport struct {
	*transport.Link

	cfg Config

	mu         sync.Mutex
	conn       net.Conn
	readerDone chan struct{}
}

// New builds a daemon link from cfg. The connection is not opened until
// Connect.
func New(cfg Config) *Transport {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	t := &Transport{cfg: cfg}
	t.Link = transport.NewLink(transport.LinkConfig{
		Kind:       transport.KindDaemon,
		PlayerName: cfg.PlayerName,
		Heartbeat:  cfg.Heartbeat,
		SendRaw:    t.sendRaw,
	})
	return t
}

// Addr returns the host:port the link dials.
func (t *Transport) Addr() string {
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

// Connect dials the daemon. Returns false when the daemon is not listening.
// Idempotent.
func (t *Transport) Connect(ctx context.Context) bool {
	if t.State() == transport.StateConnected {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	t.SetState(transport.StateConnecting)

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		t.SetState(transport.StateError)
		return false
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.readerDone = done
	t.mu.Unlock()

	go t.readLoop(conn, done)

	t.SetState(transport.StateConnected)
	t.StartHeartbeat()
	t.FlushQueue()
	return true
}

func (t *Transport) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, maxFrameBytes), maxFrameBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.HandleInbound([]byte(line))
	}

	// Deliberate teardown flips the state before closing the conn; anything
	// else is the daemon going away.
	if t.State() == transport.StateConnected {
		t.SetState(transport.StateError)
	}
}

// Disconnect announces a best-effort leave, closes the connection, and
// joins the reader. Safe from any state and safe to call twice.
func (t *Transport) Disconnect() {
	t.StopHeartbeat()

	t.mu.Lock()
	open := t.conn != nil
	t.mu.Unlock()
	if open {
		t.AnnounceLeave()
	}

	t.mu.Lock()
	conn, done := t.conn, t.readerDone
	t.conn, t.readerDone = nil, nil
	t.mu.Unlock()

	t.SetState(transport.StateDisconnected)
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(readerJoinTimeout):
		}
	}
}

func (t *Transport) sendRaw(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	frame := append(append(make([]byte, 0, len(data)+1), data...), '\n')
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("daemon: write: %w", err)
	}
	return nil
}

// Probe reports whether a daemon accepts TCP connections at host:port.
func Probe(host string, port int, timeout time.Duration) bool {
	if host == "" {
		host = DefaultHost
	}
	if port <= 0 {
		port = DefaultPort
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
