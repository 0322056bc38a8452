// Package meshzork parses node command flags and runs the multiplayer
// session until interrupted.
package meshzork

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshzork/meshzork/internal/hybrid"
	"github.com/meshzork/meshzork/internal/journal"
	"github.com/meshzork/meshzork/internal/platform/cmd"
	"github.com/meshzork/meshzork/internal/platform/discovery"
	"github.com/meshzork/meshzork/internal/presence"
	"github.com/meshzork/meshzork/internal/session"
	"github.com/meshzork/meshzork/internal/telemetry/metrics"
	"github.com/meshzork/meshzork/internal/transport"
)

// Config holds node command configuration.
type Config struct {
	PlayerName string `env:"MESHZORK_PLAYER_NAME" envDefault:"Adventurer"`
	// Links is the comma-separated link priority, most preferred first.
	Links string `env:"MESHZORK_LINKS" envDefault:"daemon,serial,mqtt"`

	MQTTBroker   string `env:"MESHZORK_MQTT_BROKER"`
	MQTTPort     int    `env:"MESHZORK_MQTT_PORT"`
	MQTTUsername string `env:"MESHZORK_MQTT_USERNAME"`
	MQTTPassword string `env:"MESHZORK_MQTT_PASSWORD"`
	MQTTTLS      bool   `env:"MESHZORK_MQTT_TLS"`
	Channel      string `env:"MESHZORK_CHANNEL"`

	SerialPort string `env:"MESHZORK_SERIAL_PORT"`

	DaemonHost string `env:"MESHZORK_DAEMON_HOST"`
	DaemonPort int    `env:"MESHZORK_DAEMON_PORT"`

	JournalPath string `env:"MESHZORK_JOURNAL_PATH"`
	MetricsAddr string `env:"MESHZORK_METRICS_ADDR"`

	EnableFallback bool `env:"MESHZORK_FALLBACK" envDefault:"true"`
	AutoDetect     bool `env:"MESHZORK_AUTODETECT" envDefault:"true"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := cmd.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.PlayerName, "name", cfg.PlayerName, "The player display name")
	fs.StringVar(&cfg.Links, "links", cfg.Links, "Link priority as a comma-separated list (daemon,serial,mqtt)")
	fs.StringVar(&cfg.MQTTBroker, "broker", cfg.MQTTBroker, "The MQTT broker host")
	fs.IntVar(&cfg.MQTTPort, "broker-port", cfg.MQTTPort, "The MQTT broker port (defaults by TLS setting)")
	fs.StringVar(&cfg.Channel, "channel", cfg.Channel, "The shared game channel")
	fs.StringVar(&cfg.SerialPort, "serial", cfg.SerialPort, "The serial device path (auto-detected when empty)")
	fs.StringVar(&cfg.DaemonHost, "daemon-host", cfg.DaemonHost, "The radio daemon host")
	fs.IntVar(&cfg.DaemonPort, "daemon-port", cfg.DaemonPort, "The radio daemon port")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "The traffic journal path (journaling off when empty)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "The Prometheus listen address (metrics off when empty)")
	if err := cmd.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Priority parses the configured link list into transport kinds.
func (c Config) Priority() ([]transport.Kind, error) {
	parts := strings.Split(c.Links, ",")
	kinds := make([]transport.Kind, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind := transport.Kind(part)
		switch kind {
		case transport.KindDaemon, transport.KindSerial, transport.KindMQTT:
			kinds = append(kinds, kind)
		default:
			return nil, fmt.Errorf("unknown link kind %q", part)
		}
	}
	if len(kinds) == 0 {
		return nil, errors.New("at least one link kind is required")
	}
	return kinds, nil
}

// Run starts the multiplayer node and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	priority, err := cfg.Priority()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.PlayerName) == "" {
		return errors.New("player name is required")
	}

	return cmd.RunWithTelemetry(ctx, cmd.ServiceMeshzork, func(ctx context.Context) error {
		var metricsSrv *http.Server
		if cfg.MetricsAddr != "" {
			registry := prometheus.NewRegistry()
			metrics.Enable(registry)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			metricsSrv = &http.Server{
				Addr:    discovery.OrMetricsAddr(cfg.MetricsAddr),
				Handler: mux,
			}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("metrics server: %v", err)
				}
			}()
		}

		var jrnl *journal.Store
		if cfg.JournalPath != "" {
			jrnl, err = journal.Open(cfg.JournalPath)
			if err != nil {
				return err
			}
			defer jrnl.Close()
		}

		factory := session.NewLinkFactory(session.LinkSettings{
			PlayerName:   cfg.PlayerName,
			MQTTBroker:   cfg.MQTTBroker,
			MQTTPort:     cfg.MQTTPort,
			MQTTUsername: cfg.MQTTUsername,
			MQTTPassword: cfg.MQTTPassword,
			MQTTUseTLS:   cfg.MQTTTLS,
			Channel:      cfg.Channel,
			SerialPort:   cfg.SerialPort,
			DaemonHost:   cfg.DaemonHost,
			DaemonPort:   cfg.DaemonPort,
		})
		coord := session.New(session.Config{
			PlayerName: cfg.PlayerName,
			Hybrid: hybrid.Config{
				Priority:       priority,
				EnableFallback: cfg.EnableFallback,
				AutoDetect:     cfg.AutoDetect,
			},
			Presence: presence.Config{},
		}, factory, jrnl)

		coord.OnPlayerJoin(func(p presence.Player) {
			log.Printf("player joined: %s (%s) in %s", p.Name, p.ID, p.Room)
		})
		coord.OnPlayerLeave(func(p presence.Player) {
			log.Printf("player left: %s (%s)", p.Name, p.ID)
		})
		coord.OnPlayerMove(func(p presence.Player, from, to string) {
			log.Printf("player moved: %s %s -> %s", p.Name, from, to)
		})
		coord.OnChat(func(from presence.Player, text string, team bool) {
			scope := "say"
			if team {
				scope = "team"
			}
			log.Printf("[%s] %s: %s", scope, from.Name, text)
		})

		if !coord.Start(ctx) {
			log.Printf("no link available yet; queueing until one comes up")
		}

		<-ctx.Done()
		coord.Stop()

		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				log.Printf("metrics shutdown: %v", err)
			}
		}
		return nil
	})
}
