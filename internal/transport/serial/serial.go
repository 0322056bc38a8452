// Package serial implements the link to a radio node attached over USB
// serial. Frames are newline-delimited JSON written straight to the node,
// which relays them over the mesh.
package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goserial "go.bug.st/serial"

	"github.com/meshzork/meshzork/internal/transport"
)

const (
	// DefaultBaudRate matches the node's serial console.
	DefaultBaudRate = 115200

	// Frames are small; this bounds scanner allocation for a noisy line.
	maxFrameBytes = 4096

	readerJoinTimeout = 2 * time.Second
)

// ErrNotConnected reports a write attempted without an open port.
var ErrNotConnected = errors.New("serial: port not open")

// Config holds serial link parameters.
type Config struct {
	PlayerName string
	// Port is the device path. Empty means auto-detect via DetectPort.
	Port string
	// BaudRate defaults to DefaultBaudRate.
	BaudRate int
	// Heartbeat overrides the link default when positive.
	Heartbeat time.Duration
}

// Transport is the serial link. It satisfies transport.Transport.
type Transport struct {
	*transport.Link

	cfg Config

	mu         sync.Mutex
	port       goserial.Port
	readerDone chan struct{}
}

// New builds a serial link from cfg. The port is not opened until Connect.
func New(cfg Config) *Transport {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	t := &Transport{cfg: cfg}
	t.Link = transport.NewLink(transport.LinkConfig{
		Kind:       transport.KindSerial,
		PlayerName: cfg.PlayerName,
		Heartbeat:  cfg.Heartbeat,
		SendRaw:    t.sendRaw,
	})
	return t
}

// Connect opens the serial port, auto-detecting the device when none was
// configured. Returns false when no usable port is present. Idempotent.
func (t *Transport) Connect(ctx context.Context) bool {
	if t.State() == transport.StateConnected {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	t.SetState(transport.StateConnecting)

	device := t.cfg.Port
	if device == "" {
		detected, err := DetectPort()
		if err != nil {
			t.SetState(transport.StateError)
			return false
		}
		device = detected
	}

	port, err := goserial.Open(device, &goserial.Mode{BaudRate: t.cfg.BaudRate})
	if err != nil {
		t.SetState(transport.StateError)
		return false
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.port = port
	t.readerDone = done
	t.mu.Unlock()

	go t.readLoop(port, done)

	t.SetState(transport.StateConnected)
	t.StartHeartbeat()
	t.FlushQueue()
	return true
}

// readLoop scans newline-delimited frames off the port until it is closed.
func (t *Transport) readLoop(port goserial.Port, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(port)
	scanner.Buffer(make([]byte, 0, maxFrameBytes), maxFrameBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.HandleInbound([]byte(line))
	}

	// Port closed or device pulled. Disconnect flips the state first when
	// the teardown was deliberate; otherwise this is an unplug.
	if t.State() == transport.StateConnected {
		t.SetState(transport.StateError)
	}
}

// Disconnect announces a best-effort leave, closes the port, and joins the
// reader. Safe from any state and safe to call twice.
func (t *Transport) Disconnect() {
	t.StopHeartbeat()

	t.mu.Lock()
	open := t.port != nil
	t.mu.Unlock()
	if open {
		t.AnnounceLeave()
	}

	t.mu.Lock()
	port, done := t.port, t.readerDone
	t.port, t.readerDone = nil, nil
	t.mu.Unlock()

	t.SetState(transport.StateDisconnected)
	if port != nil {
		_ = port.Close()
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
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	frame := append(append(make([]byte, 0, len(data)+1), data...), '\n')
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	return nil
}

// DetectPort returns the most plausible radio device among the enumerated
// serial ports, preferring USB serial adapters over built-in ports.
func DetectPort() (string, error) {
	ports, err := goserial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("serial: list ports: %w", err)
	}
	if len(ports) == 0 {
		return "", errors.New("serial: no ports found")
	}
	for _, p := range ports {
		if isUSBPort(p) {
			return p, nil
		}
	}
	return ports[0], nil
}

func isUSBPort(device string) bool {
	for _, marker := range []string{"ttyUSB", "ttyACM", "usbserial", "usbmodem"} {
		if strings.Contains(device, marker) {
			return true
		}
	}
	return false
}

// Probe reports whether any serial port that looks like a radio node is
// attached.
func Probe() bool {
	_, err := DetectPort()
	return err == nil
}
