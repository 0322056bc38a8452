// Package transport defines the contract every concrete link must satisfy
// and the link-independent mechanics they share.
//
// A link is one physical or logical channel for game messages: an MQTT
// broker, a serial-connected radio node, or the local radio daemon. Links
// give no delivery or ordering guarantees; the contract only promises
// bounded queueing while disconnected, per-sender duplicate suppression,
// and a heartbeat while connected.
package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/meshzork/meshzork/internal/protocol"
)

// Kind names a link implementation.
type Kind string

const (
	// KindDaemon is the local radio daemon reached over TCP.
	KindDaemon Kind = "daemon"
	// KindSerial is a USB serial-connected radio node.
	KindSerial Kind = "serial"
	// KindMQTT is a network MQTT broker.
	KindMQTT Kind = "mqtt"
)

// State is the connection lifecycle of a link.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Status describes a link's availability, refreshed by periodic probing.
// Available means the link could plausibly connect; it is independent of
// whether a connection attempt has been made.
type Status struct {
	Kind      Kind
	Available bool
	Connected bool
	LastProbe time.Time
	Err       string
}

// MessageHandler observes decoded inbound messages. Handlers are invoked
// synchronously from whichever goroutine received the frame and must not
// block or re-enter the link.
type MessageHandler func(protocol.Message)

// StateHandler observes connection state changes under the same rules as
// MessageHandler.
type StateHandler func(State)

// Transport is the behavioral contract of one link.
//
// Connect is idempotent, may block for seconds, and returns false (not an
// error) when the link cannot currently be established. Send is
// non-blocking: it reports true only on immediate raw transmission and
// queues the message otherwise. Disconnect is safe from any state and safe
// to call twice.
type Transport interface {
	Kind() Kind
	Connect(ctx context.Context) bool
	Disconnect()
	Send(msg protocol.Message) bool
	State() State
	SenderID() string
	SetRoom(room string)
	OnMessage(handler MessageHandler)
	OnStateChange(handler StateHandler)
}

// DeriveSenderID returns the fixed-width sender identifier for a player
// name: the first 6 hex characters of its SHA-256 digest. Every link owned
// by the same player derives the same id.
func DeriveSenderID(playerName string) string {
	sum := sha256.Sum256([]byte(playerName))
	return hex.EncodeToString(sum[:])[:protocol.MaxSenderIDLen]
}
