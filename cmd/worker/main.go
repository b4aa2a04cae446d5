package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"careflow/internal/breaker"
	"careflow/internal/channel"
	"careflow/internal/config"
	"careflow/internal/correlator"
	"careflow/internal/delivery"
	"careflow/internal/health"
	"careflow/internal/media"
	"careflow/internal/models"
	"careflow/internal/queue"
	"careflow/internal/ratelimit"
	"careflow/internal/scheduler"
	"careflow/internal/store"
	"careflow/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	channelClient := channel.NewHTTPClient(cfg)

	hm := health.NewManager(cfg.HealthProbeInterval)
	hm.Register("postgres", st.Ping, nil)
	hm.Register("redis", func(ctx context.Context) error {
		return q.Client().Ping(ctx).Err()
	}, nil)
	hm.Register("messaging-channel", channelClient.Healthy, nil)
	hm.Start(ctx)
	defer hm.Shutdown()

	brk := breaker.New("messaging-channel", breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		OnStateChange: func(name string, from, to breaker.State) {
			log.Printf("breaker: %s %s -> %s", name, from, to)
		},
	})

	preparer, err := media.NewPreparer(ctx, cfg)
	if err != nil {
		log.Fatalf("init media preparer: %v", err)
	}

	sendLimiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	sendLimiter := ratelimit.NewTokenBucket(sendLimiterClient, cfg.SendRateCapacity, cfg.SendRateRefill, time.Hour)

	sched := scheduler.New(cfg, st, q)
	deliverer := delivery.NewDeliverer(cfg, st, sched, brk, channelClient, preparer, sendLimiter, hm)
	corr := correlator.New(cfg, st, sched, q.Client())

	processor := delivery.NewProcessor(cfg, q, st, hm)
	processor.RegisterHandler(models.KindDeliverStep, deliverer.Handle)
	processor.RegisterHandler(models.KindProcessEvent, corr.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	go sched.Run(ctx)

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	log.Printf("worker started: concurrency=%d visibility=%s backoff_initial=%s breaker_reset=%s",
		concurrency, cfg.VisibilityTimeout, cfg.BackoffInitial, cfg.BreakerResetTimeout)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("worker loop stopped: %v", err)
			}
		}()
	}
	wg.Wait()
}
