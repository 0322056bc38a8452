// Package mqtt implements the broker-backed link.
//
// Game frames are published QoS 1 to a per-channel topic tree on a local or
// public broker. This is the bridge link: it carries traffic between radio
// islands whenever the node has network access.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshzork/meshzork/internal/transport"
)

const (
	topicPrefix = "msh/meshzork"

	// DefaultChannel is the shared game channel when none is configured.
	DefaultChannel = "meshzork"

	defaultConnectTimeout = 10 * time.Second
	publishWaitTimeout    = 2 * time.Second
	disconnectQuiesceMS   = 250
)

// ErrNotConnected reports a publish attempted without a live broker session.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config holds broker connection parameters.
type Config struct {
	PlayerName string
	Broker     string
	Port       int
	Username   string
	Password   string
	UseTLS     bool
	// Channel scopes the topic tree; defaults to DefaultChannel.
	Channel string
	// Heartbeat overrides the link default when positive.
	Heartbeat time.Duration
	// ConnectTimeout bounds the broker handshake; defaults to 10s.
	ConnectTimeout time.Duration
}

// Transport is the MQTT link. It satisfies transport.Transport.
type Transport struct {
	*transport.Link

	cfg Config

	mu     sync.Mutex
	client paho.Client
}

// New builds an MQTT link from cfg. The connection is not opened until
// Connect.
func New(cfg Config) *Transport {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	t := &Transport{cfg: cfg}
	t.Link = transport.NewLink(transport.LinkConfig{
		Kind:       transport.KindMQTT,
		PlayerName: cfg.PlayerName,
		Heartbeat:  cfg.Heartbeat,
		SendRaw:    t.sendRaw,
	})
	return t
}

// Connect opens the broker session. It blocks up to the configured connect
// timeout and returns false when the broker cannot currently be reached.
// Idempotent: a connected transport returns true immediately.
func (t *Transport) Connect(ctx context.Context) bool {
	if t.State() == transport.StateConnected {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	t.SetState(transport.StateConnecting)

	opts := paho.NewClientOptions().
		AddBroker(t.brokerURL()).
		SetClientID("meshzork_" + t.SenderID()).
		SetAutoReconnect(true).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetOrderMatters(false)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(t.onConnectionLost)

	client := paho.NewClient(opts)
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(t.cfg.ConnectTimeout) || token.Error() != nil {
		t.SetState(transport.StateError)
		return false
	}

	t.StartHeartbeat()
	return true
}

// onConnect runs on every broker session establishment, including paho's
// automatic reconnects, so subscriptions are restored and the backlog is
// flushed each time.
func (t *Transport) onConnect(client paho.Client) {
	client.Subscribe(t.subscribeFilter(), 1, func(_ paho.Client, msg paho.Message) {
		t.HandleInbound(msg.Payload())
	})
	t.SetState(transport.StateConnected)
	t.FlushQueue()
}

func (t *Transport) onConnectionLost(paho.Client, error) {
	if t.State() == transport.StateDisconnected {
		return
	}
	// paho keeps retrying in the background.
	t.SetState(transport.StateReconnecting)
}

// Disconnect announces a best-effort leave, then tears the session down.
// Safe from any state and safe to call twice.
func (t *Transport) Disconnect() {
	t.StopHeartbeat()

	t.mu.Lock()
	open := t.client != nil
	t.mu.Unlock()
	if open {
		t.AnnounceLeave()
	}

	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectQuiesceMS)
	}
	t.SetState(transport.StateDisconnected)
}

func (t *Transport) sendRaw(data []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := client.Publish(t.gameTopic(), 1, false, data)
	if !token.WaitTimeout(publishWaitTimeout) {
		return fmt.Errorf("mqtt: publish timed out after %s", publishWaitTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	return nil
}

func (t *Transport) brokerURL() string {
	scheme := "tcp"
	if t.cfg.UseTLS {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(t.cfg.Broker, strconv.Itoa(t.cfg.Port))
}

func (t *Transport) gameTopic() string {
	return topicPrefix + "/" + t.cfg.Channel + "/game"
}

func (t *Transport) subscribeFilter() string {
	return topicPrefix + "/" + t.cfg.Channel + "/+"
}

// Probe reports whether the broker accepts TCP connections. It never opens
// an MQTT session.
func Probe(broker string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(broker, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
