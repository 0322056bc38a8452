package session

import (
	"fmt"
	"time"

	"github.com/meshzork/meshzork/internal/hybrid"
	"github.com/meshzork/meshzork/internal/platform/discovery"
	"github.com/meshzork/meshzork/internal/transport"
	"github.com/meshzork/meshzork/internal/transport/daemon"
	"github.com/meshzork/meshzork/internal/transport/mqtt"
	"github.com/meshzork/meshzork/internal/transport/serial"
)

// LinkSettings carries the connection parameters for every concrete link
// kind. Zero fields take each link's own defaults.
type LinkSettings struct {
	PlayerName string
	Heartbeat  time.Duration

	MQTTBroker   string
	MQTTPort     int
	MQTTUsername string
	MQTTPassword string
	MQTTUseTLS   bool
	Channel      string

	SerialPort string
	BaudRate   int

	DaemonHost string
	DaemonPort int
}

// linkFactory builds and probes the concrete links. It satisfies
// hybrid.Factory.
type linkFactory struct {
	settings LinkSettings
}

// NewLinkFactory returns a factory over the real link implementations.
func NewLinkFactory(settings LinkSettings) hybrid.Factory {
	return &linkFactory{settings: settings}
}

func (f *linkFactory) New(kind transport.Kind) (transport.Transport, error) {
	switch kind {
	case transport.KindMQTT:
		return mqtt.New(mqtt.Config{
			PlayerName: f.settings.PlayerName,
			Broker:     f.settings.MQTTBroker,
			Port:       discovery.OrBrokerPort(f.settings.MQTTPort, f.settings.MQTTUseTLS),
			Username:   f.settings.MQTTUsername,
			Password:   f.settings.MQTTPassword,
			UseTLS:     f.settings.MQTTUseTLS,
			Channel:    f.settings.Channel,
			Heartbeat:  f.settings.Heartbeat,
		}), nil
	case transport.KindSerial:
		return serial.New(serial.Config{
			PlayerName: f.settings.PlayerName,
			Port:       f.settings.SerialPort,
			BaudRate:   f.settings.BaudRate,
			Heartbeat:  f.settings.Heartbeat,
		}), nil
	case transport.KindDaemon:
		return daemon.New(daemon.Config{
			PlayerName: f.settings.PlayerName,
			Host:       f.settings.DaemonHost,
			Port:       f.settings.DaemonPort,
			Heartbeat:  f.settings.Heartbeat,
		}), nil
	}
	return nil, fmt.Errorf("unknown link kind %q", kind)
}

func (f *linkFactory) Probe(kind transport.Kind) bool {
	switch kind {
	case transport.KindMQTT:
		if f.settings.MQTTBroker == "" {
			return false
		}
		port := discovery.OrBrokerPort(f.settings.MQTTPort, f.settings.MQTTUseTLS)
		return mqtt.Probe(f.settings.MQTTBroker, port, probeTimeout)
	case transport.KindSerial:
		return serial.Probe()
	case transport.KindDaemon:
		host := discovery.OrDaemonHost(f.settings.DaemonHost)
		port := discovery.OrDaemonPort(f.settings.DaemonPort)
		return daemon.Probe(host, port, probeTimeout)
	}
	return false
}
