package meshzork

import (
	"flag"
	"testing"

	"github.com/meshzork/meshzork/internal/transport"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("meshzork", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.PlayerName != "Adventurer" {
		t.Fatalf("expected default player name, got %q", cfg.PlayerName)
	}
	if cfg.Links != "daemon,serial,mqtt" {
		t.Fatalf("expected default links, got %q", cfg.Links)
	}
	if !cfg.EnableFallback || !cfg.AutoDetect {
		t.Fatalf("expected fallback and autodetect on by default: %+v", cfg)
	}
}

func TestParseConfigEnvThenFlags(t *testing.T) {
	t.Setenv("MESHZORK_PLAYER_NAME", "FromEnv")
	t.Setenv("MESHZORK_MQTT_BROKER", "broker.example")

	fs := flag.NewFlagSet("meshzork", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-name", "FromFlag", "-links", "mqtt"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.PlayerName != "FromFlag" {
		t.Fatalf("expected flag to beat env, got %q", cfg.PlayerName)
	}
	if cfg.MQTTBroker != "broker.example" {
		t.Fatalf("expected broker from env, got %q", cfg.MQTTBroker)
	}
	if cfg.Links != "mqtt" {
		t.Fatalf("expected links override, got %q", cfg.Links)
	}
}

func TestPriorityParsing(t *testing.T) {
	cfg := Config{Links: "mqtt, daemon"}
	kinds, err := cfg.Priority()
	if err != nil {
		t.Fatalf("priority: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != transport.KindMQTT || kinds[1] != transport.KindDaemon {
		t.Fatalf("unexpected priority: %v", kinds)
	}
}

func TestPriorityRejectsUnknownKind(t *testing.T) {
	cfg := Config{Links: "daemon,carrier-pigeon"}
	if _, err := cfg.Priority(); err == nil {
		t.Fatal("expected error for unknown link kind")
	}
}

func TestPriorityRequiresAtLeastOneKind(t *testing.T) {
	cfg := Config{Links: " , "}
	if _, err := cfg.Priority(); err == nil {
		t.Fatal("expected error for empty link list")
	}
}
