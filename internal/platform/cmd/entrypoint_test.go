package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

func TestParseConfigRequiresTarget(t *testing.T) {
	var cfg *struct{}
	if err := ParseConfig(cfg); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestParseConfigFromArgs(t *testing.T) {
	t.Setenv("MESHZORK_ENTRYPOINT_NAME", "FromEnv")

	var cfg struct {
		Name string `env:"MESHZORK_ENTRYPOINT_NAME"`
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := ParseConfig(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	fs.StringVar(&cfg.Name, "name", cfg.Name, "player name")

	if err := ParseArgs(fs, []string{"-name", "FromFlag"}); err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if cfg.Name != "FromFlag" {
		t.Fatalf("expected flag to win, got %q", cfg.Name)
	}
}

func TestRunWithTelemetryRequiresService(t *testing.T) {
	err := RunWithTelemetry(context.Background(), " ", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error for empty service")
	}
}

func TestRunWithTelemetryRunsLoop(t *testing.T) {
	t.Setenv("MESHZORK_OTEL_ENDPOINT", "")

	sentinel := errors.New("loop done")
	err := RunWithTelemetry(context.Background(), ServiceMeshzork, func(context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected run loop error surfaced, got %v", err)
	}
}
