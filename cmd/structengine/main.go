package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"marketstructure/internal/logger"
	"marketstructure/internal/structengine"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := structengine.LoadConfig()
	if err != nil {
		log.Fatalf("[structengine] config: %v", err)
	}
	logger.Init("structengine", cfg.LogLevel, cfg.LogFormat)
	log.Printf("[structengine] enabled TFs: %v, strength: %d, snapshot interval: %ds",
		cfg.EnabledTFs, cfg.Structure.Strength, cfg.SnapshotIntervalS)

	svc, err := structengine.New(cfg)
	if err != nil {
		log.Fatalf("[structengine] init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[structengine] fatal: %v", err)
	}
}
