package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	meshzorkcmd "github.com/meshzork/meshzork/internal/cmd/meshzork"
)

func main() {
	cfg, err := meshzorkcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[MESHZORK] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := meshzorkcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to run: %v", err)
	}
}
