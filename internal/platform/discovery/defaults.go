// Package discovery centralizes the port and address conventions for the
// services a node talks to.
package discovery

import (
	"net"
	"strconv"
	"strings"
)

const (
	// MQTTPort is the conventional plaintext broker port.
	MQTTPort = 1883
	// MQTTTLSPort is the conventional TLS broker port.
	MQTTTLSPort = 8883
	// DaemonPort is the radio daemon's conventional TCP port.
	DaemonPort = 4403
	// MetricsPort is where the node serves its Prometheus endpoint.
	MetricsPort = 9090
)

// BrokerPort returns the conventional broker port for the TLS setting.
func BrokerPort(useTLS bool) int {
	if useTLS {
		return MQTTTLSPort
	}
	return MQTTPort
}

// OrBrokerPort returns value when positive, otherwise the broker
// convention for the TLS setting.
func OrBrokerPort(value int, useTLS bool) int {
	if value > 0 {
		return value
	}
	return BrokerPort(useTLS)
}

// OrDaemonPort returns value when positive, otherwise the daemon
// convention.
func OrDaemonPort(value int) int {
	if value > 0 {
		return value
	}
	return DaemonPort
}

// OrDaemonHost returns value when set, otherwise localhost.
func OrDaemonHost(value string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	return "localhost"
}

// OrMetricsAddr returns value when set, otherwise the metrics convention
// bound to all interfaces.
func OrMetricsAddr(value string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	return net.JoinHostPort("", strconv.Itoa(MetricsPort))
}
