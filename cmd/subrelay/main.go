package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/subrelay/subrelay/internal/api"
	"github.com/subrelay/subrelay/internal/buildinfo"
	"github.com/subrelay/subrelay/internal/cache"
	"github.com/subrelay/subrelay/internal/config"
	"github.com/subrelay/subrelay/internal/gateway"
	"github.com/subrelay/subrelay/internal/governor"
	"github.com/subrelay/subrelay/internal/identity"
	"github.com/subrelay/subrelay/internal/language"
	"github.com/subrelay/subrelay/internal/notify"
	"github.com/subrelay/subrelay/internal/stats"
	"github.com/subrelay/subrelay/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load and validate environment config.
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	// 2. Notifier: webhook when configured, otherwise process log.
	var notifier notify.Notifier = notify.LogNotifier{}
	if envCfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(envCfg.NotifyWebhookURL, envCfg.NotifyTimeout)
	}

	// 3. Egress identity pool.
	decls, err := config.LoadIdentityDecls(envCfg.IdentitiesFile, envCfg.IncludeDirectIdentity)
	if err != nil {
		return err
	}
	pool, err := identity.NewPool(identity.PoolConfig{
		Decls:     decls,
		Threshold: envCfg.BlockThreshold,
		OnBlocked: func(ev identity.BlockedEvent) {
			// Called under the pool lock; hand delivery off immediately.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), envCfg.NotifyTimeout)
				defer cancel()
				msg := fmt.Sprintf("egress identity %q confirmed blocked (%s)", ev.Entry.Name, ev.Reason)
				if ev.Degraded {
					msg += "; POOL DEGRADED: no healthy identity remains"
				}
				if err := notifier.Notify(ctx, msg); err != nil {
					log.Printf("[main] alert delivery failed: %v", err)
				}
			}()
		},
	})
	if err != nil {
		return err
	}
	log.Printf("[main] identity pool: %d identities, block threshold %d", pool.Size(), envCfg.BlockThreshold)

	// 4. Rate governor.
	gov := governor.New(governor.Config{
		RatePerSecond: envCfg.RatePerSecond,
		MaxQueueDepth: envCfg.QueueMaxDepth,
	})
	gov.Start()
	defer gov.Stop()

	// 5. Statistics aggregator with sqlite persistence and optional Redis
	// mirror.
	repo, err := stats.NewRepo(filepath.Join(envCfg.StateDir, "stats.db"))
	if err != nil {
		return err
	}
	defer repo.Close()

	var mirror stats.Mirror
	if envCfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     envCfg.RedisAddr,
			Password: envCfg.RedisPassword,
			DB:       envCfg.RedisDB,
		})
		mirror = stats.NewRedisMirror(rdb, "subrelay:stats", 0)
		log.Printf("[main] stats mirror enabled: redis %s", envCfg.RedisAddr)
	}

	statsSvc := stats.NewService(stats.ServiceConfig{
		Repo:          repo,
		Mirror:        mirror,
		FlushInterval: envCfg.StatsFlushInterval,
		CheckTick:     envCfg.StatsFlushCheck,
	})
	statsSvc.Start()
	defer statsSvc.Stop()

	// 6. Transcript cache.
	transcriptCache, err := cache.New(envCfg.CacheCapacity, envCfg.CacheTTL)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer transcriptCache.Close()

	// 7. Upstream invoker and gateway facade.
	invoker := upstream.NewInvoker(upstream.InvokerConfig{
		BaseURL:   envCfg.UpstreamBaseURL,
		Timeout:   envCfg.AttemptTimeout,
		UserAgent: envCfg.UserAgent,
		Clients:   upstream.NewClientFactory(),
	})
	gw := gateway.New(gateway.Config{
		Governor: gov,
		Pool:     pool,
		Invoker:  invoker,
		Resolver: language.Resolver{FallbackEnabled: envCfg.FallbackEnabled},
		Stats:    statsSvc,
		Cache:    transcriptCache,
	})

	// 8. Scheduled jobs: time-based identity recovery and daily summary.
	sched := cron.New()
	if envCfg.IdentityResetSchedule != "" {
		_, err = sched.AddFunc(envCfg.IdentityResetSchedule, func() {
			log.Printf("[main] scheduled identity reset")
			pool.ResetAll()
		})
		if err != nil {
			return fmt.Errorf("identity reset schedule: %w", err)
		}
	}
	if envCfg.DailySummarySchedule != "" {
		_, err = sched.AddFunc(envCfg.DailySummarySchedule, func() {
			yesterday := stats.DateKey(time.Now().UTC().AddDate(0, 0, -1))
			rec, ok, err := statsSvc.Day(yesterday)
			if err != nil || !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), envCfg.NotifyTimeout)
			defer cancel()
			msg := fmt.Sprintf("daily summary %s: %d requests, %d ok, %d failed",
				rec.Date, rec.TotalRequests, rec.Successes, rec.Failures)
			if err := notifier.Notify(ctx, msg); err != nil {
				log.Printf("[main] summary delivery failed: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("daily summary schedule: %w", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	// 9. API server.
	srv := api.NewServer(api.ServerConfig{
		ListenAddress:   envCfg.ListenAddress,
		Port:            envCfg.Port,
		AdminToken:      envCfg.AdminToken,
		APIMaxBodyBytes: int64(envCfg.APIMaxBodyBytes),
		StartedAt:       time.Now().UTC(),
		Version:         buildinfo.Version,
		Gateway:         gw,
		Pool:            pool,
		Stats:           statsSvc,
	})

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		log.Printf("[main] subrelay %s listening on %s:%d", buildinfo.Version, envCfg.ListenAddress, envCfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Printf("[main] received signal %s, shutting down", sig)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("[main] stopped")
	return nil
}
