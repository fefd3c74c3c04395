package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/telemyapp/livesync/internal/api"
	"github.com/telemyapp/livesync/internal/buffer"
	"github.com/telemyapp/livesync/internal/bus"
	"github.com/telemyapp/livesync/internal/clock"
	"github.com/telemyapp/livesync/internal/config"
	"github.com/telemyapp/livesync/internal/coordinator"
	"github.com/telemyapp/livesync/internal/relay"
	"github.com/telemyapp/livesync/internal/resume"
	"github.com/telemyapp/livesync/internal/sensor"
	"github.com/telemyapp/livesync/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.RequireDaemon(); err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	// The daemon must come up offline too: buffered samples and the resume
	// record are local, and reconnection takes over once the store answers.
	if err := pool.Ping(ctx); err != nil {
		log.Printf("event=db_ping_failed err=%q", err.Error())
	}

	buf, err := buffer.Open(cfg.BufferDSN)
	if err != nil {
		log.Fatalf("open buffer: %v", err)
	}
	defer buf.Close()

	resumeFile, err := resume.New(cfg.ResumePath)
	if err != nil {
		log.Fatalf("resume file: %v", err)
	}

	var mr relay.MetricRelay
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		rr := relay.NewRedis(client, cfg.UserID)
		if err := rr.Start(ctx); err != nil {
			if cfg.SensorMode == "relay" {
				log.Fatalf("start metric relay: %v", err)
			}
			log.Printf("event=relay_start_failed addr=%s err=%q", cfg.RedisAddr, err.Error())
		} else {
			defer rr.Close()
			mr = rr
		}
	}

	src := buildSensor(cfg, mr, clock.Real{})
	coord := coordinator.New(store.New(pool), src, buf, resumeFile, coordinatorOptions(cfg, mr))

	if err := coord.Recover(ctx); err != nil {
		log.Printf("event=startup_recovery_failed err=%q", err.Error())
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     api.NewRouter(cfg, coord),
		ReadTimeout: 30 * time.Second,
		// WriteTimeout stays unset: /session/events holds the response open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("livesyncd listening on %s user_id=%s sensor=%s", cfg.ListenAddr, cfg.UserID, cfg.SensorMode)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
}

// buildSensor picks the metric source. Relay mode reads samples another
// device publishes for the same user.
func buildSensor(cfg config.Config, mr relay.MetricRelay, c clock.Clock) sensor.Source {
	if cfg.SensorMode == "relay" && mr != nil {
		return sensor.NewRelaySource(mr)
	}
	return sensor.NewSimulated(c)
}

func coordinatorOptions(cfg config.Config, mr relay.MetricRelay) coordinator.Options {
	opts := coordinator.Options{
		UserID:               cfg.UserID,
		DisplayName:          cfg.DisplayName,
		TickInterval:         cfg.TickInterval,
		WriteInterval:        cfg.WriteInterval,
		SessionTTL:           cfg.SessionCacheTTL,
		ParticipantTTL:       cfg.ParticipantCacheTTL,
		FetchTimeout:         cfg.FetchTimeout,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		MaxReconnectBackoff:  cfg.MaxReconnectBackoff,
		Bus:                  bus.New(cfg.EventBufferSize),
	}
	// A relay-fed daemon must not publish back what it just received.
	if cfg.SensorMode != "relay" {
		opts.Relay = mr
	}
	return opts
}
