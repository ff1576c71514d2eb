package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lodestone-research/lodestone/internal/agent"
	"github.com/lodestone-research/lodestone/internal/api"
	"github.com/lodestone-research/lodestone/internal/breaker"
	"github.com/lodestone-research/lodestone/internal/cache"
	"github.com/lodestone-research/lodestone/internal/config"
	"github.com/lodestone-research/lodestone/internal/events"
	"github.com/lodestone-research/lodestone/internal/llm"
	"github.com/lodestone-research/lodestone/internal/pipeline"
	"github.com/lodestone-research/lodestone/internal/ratelimit"
	"github.com/lodestone-research/lodestone/internal/router"
	"github.com/lodestone-research/lodestone/internal/search"
	"github.com/lodestone-research/lodestone/internal/store"
	"github.com/lodestone-research/lodestone/internal/store/memory"
	"github.com/lodestone-research/lodestone/internal/store/postgres"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newBroker = events.NewBroker
	newStore  = func(cfg config.Config) (store.Store, error) {
		if cfg.StoreBackend == "postgres" {
			return postgres.New(cfg.PostgresURL)
		}
		return memory.New(), nil
	}
	newLLMProvider    = llm.NewProvider
	newSearchProvider = search.NewProvider
	newServer         = func(st store.Store, broker *events.Broker, controller *pipeline.Controller, table *router.Table, breakers *breaker.Registry) server {
		return api.NewServer(st, broker, controller, table, breakers)
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := newStore(cfg)
	if err != nil {
		return err
	}
	broker := newBroker()

	table, err := loadModelTable(ctx, cfg)
	if err != nil {
		return err
	}

	llmProvider, err := newLLMProvider(llm.Config{
		Mode:        cfg.LLMMode,
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.OpenAIAPIKey,
		MaxTokens:   cfg.LLMMaxTokens,
		TimeoutSecs: cfg.LLMTimeoutSecs,
	})
	if err != nil {
		return err
	}
	searchProvider, err := newSearchProvider(search.Config{
		Mode:       cfg.SearchMode,
		APIKey:     cfg.TavilyAPIKey,
		MaxResults: cfg.SearchMaxResults,
	})
	if err != nil {
		return err
	}

	shared := buildCache(cfg)
	defer shared.Flush()

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           cfg.BreakerWindow,
		Cooldown:         cfg.BreakerCooldown,
		MaxCooldown:      cfg.BreakerMaxCooldown,
	})
	limiter := ratelimit.New(
		ratelimit.UpstreamLimit{PerSecond: cfg.LLMRatePerSecond, Burst: cfg.LLMRateBurst, MaxWait: cfg.RateMaxWait},
		map[string]ratelimit.UpstreamLimit{
			agent.UpstreamSearch: {PerSecond: cfg.SearchRatePerSecond, Burst: cfg.SearchRateBurst, MaxWait: cfg.RateMaxWait},
		},
	)

	caller := &agent.Caller{
		LLM:        llmProvider,
		Search:     searchProvider,
		Breakers:   breakers,
		Limiter:    limiter,
		Cache:      shared,
		MaxRetries: uint64(cfg.MaxRetries),
	}

	controller := pipeline.New(st, broker, router.New(table), agent.Registry(caller), pipeline.Config{
		WorkerPoolSize:         cfg.WorkerPoolSize,
		DefaultMaxSubQuestions: cfg.DefaultMaxSubQuestions,
		DefaultBudgetUSD:       cfg.DefaultBudgetUSD,
		QualityThreshold:       cfg.QualityThreshold,
	})
	defer func() {
		controller.CancelAll()
		waitWithTimeout(controller, 10*time.Second)
	}()

	srv := newServer(st, broker, controller, table, breakers)
	addr := fmt.Sprintf(":%s", cfg.Port)
	log.Printf("Lodestone research engine listening on %s", addr)
	return srv.Start(ctx, addr)
}

func loadModelTable(ctx context.Context, cfg config.Config) (*router.Table, error) {
	if cfg.ModelTablePath == "" {
		return router.DefaultTable(), nil
	}
	table, err := router.LoadTable(cfg.ModelTablePath)
	if err != nil {
		return nil, err
	}
	if err := router.WatchTable(ctx, table, cfg.ModelTablePath); err != nil {
		log.Printf("warning: model table hot reload disabled: %v", err)
	}
	return table, nil
}

// buildCache assembles the tier stack from configuration. Missing optional
// tiers degrade to the faster ones; the memory tier is always present.
func buildCache(cfg config.Config) *cache.Cache {
	tiers := []cache.Tier{cache.NewMemoryTier(cfg.CacheMemoryEntries)}
	if cfg.RedisAddr != "" {
		redisTier, err := cache.NewRedisTier(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("warning: distributed cache tier disabled: %v", err)
		} else {
			tiers = append(tiers, redisTier)
		}
	}
	if cfg.DiskCachePath != "" {
		diskTier, err := cache.NewDiskTier(cfg.DiskCachePath)
		if err != nil {
			log.Printf("warning: disk cache tier disabled: %v", err)
		} else {
			tiers = append(tiers, diskTier)
		}
	}
	return cache.New(cache.TTLs{
		Memory:      cfg.CacheMemoryTTL,
		Distributed: cfg.CacheDistributedTTL,
		Disk:        cfg.CacheDiskTTL,
	}, tiers...)
}

func waitWithTimeout(controller *pipeline.Controller, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		controller.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Print("shutdown timed out waiting for in-flight sessions")
	}
}
