package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemyapp/livesync/internal/config"
	"github.com/telemyapp/livesync/internal/jobs"
	"github.com/telemyapp/livesync/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.RequireDatabase(); err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.New(pool)
	jobs.NewRunner(st, jobs.Options{
		AbandonGrace:    cfg.AbandonGrace,
		SampleRetention: cfg.SampleRetention,
	}).Start(ctx)

	log.Printf("livesync-jobs worker started")
	<-ctx.Done()
	log.Printf("livesync-jobs worker stopping")
}
