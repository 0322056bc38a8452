package config

import "testing"

func TestParseEnv(t *testing.T) {
	t.Setenv("MESHZORK_TEST_NAME", "Adventurer")
	t.Setenv("MESHZORK_TEST_PORT", "4403")

	var cfg struct {
		Name string `env:"MESHZORK_TEST_NAME"`
		Port int    `env:"MESHZORK_TEST_PORT" envDefault:"1883"`
		Room string `env:"MESHZORK_TEST_ROOM" envDefault:"whous"`
	}
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Name != "Adventurer" {
		t.Fatalf("expected name from env, got %q", cfg.Name)
	}
	if cfg.Port != 4403 {
		t.Fatalf("expected port from env, got %d", cfg.Port)
	}
	if cfg.Room != "whous" {
		t.Fatalf("expected default room, got %q", cfg.Room)
	}
}

func TestParseEnvRejectsBadValue(t *testing.T) {
	t.Setenv("MESHZORK_TEST_PORT", "not-a-port")

	var cfg struct {
		Port int `env:"MESHZORK_TEST_PORT"`
	}
	if err := ParseEnv(&cfg); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}
