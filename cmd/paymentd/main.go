package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/paymentflow/paymentflow/internal/config"
	"github.com/paymentflow/paymentflow/internal/events"
	eventskafka "github.com/paymentflow/paymentflow/internal/events/kafka"
	"github.com/paymentflow/paymentflow/internal/payment"
	"github.com/paymentflow/paymentflow/internal/platform/audit"
	"github.com/paymentflow/paymentflow/internal/platform/clock"
	"github.com/paymentflow/paymentflow/internal/platform/metrics"
	"github.com/paymentflow/paymentflow/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	startedAt := time.Now().UTC()
	clk := clock.RealClock{}
	m := metrics.New()
	version := envOr("PAYFLOW_VERSION", "dev")

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("ping database: %v", err)
		}
		defer db.Close()
	}

	var store payment.Store
	var ledger payment.Ledger
	var auditStore audit.Store
	if db != nil {
		store = payment.NewPostgresStore(db)
		ledger = payment.NewPostgresLedger(db, clk, payment.NewID)
		auditStore = audit.NewPostgresStore(db)
		log.Printf("using postgres persistence")
	} else {
		store = payment.NewMemoryStore()
		ledger = payment.NewMemoryLedger(clk, payment.NewID)
		auditStore = audit.NewInMemoryStore()
		log.Printf("no database url set, using in-memory persistence")
	}

	var activity payment.ActivitySource = payment.NewStoreActivity(store, clk)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("ping redis: %v", err)
		}
		defer rdb.Close()
		activity = payment.NewRedisActivity(rdb, clk)
		log.Printf("velocity counters on redis")
	}

	var publisher events.Publisher = events.NewMemory()
	if len(cfg.KafkaBrokers) > 0 {
		kp := eventskafka.NewPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		publisher = kp
		log.Printf("publishing events to kafka %v", cfg.KafkaBrokers)
	}

	engine := payment.NewEngine(store, activity, clk, payment.NewID, cfg.FraudRiskThreshold)
	provider := payment.NewRuleProvider(cfg.SanctionedUsers, cfg.AMLReviewAmount)
	gate := payment.NewGate(store, provider, clk, payment.NewID, m)
	coordinator := payment.NewCoordinator(payment.CoordinatorDeps{
		Store:    store,
		Ledger:   ledger,
		Risk:     engine,
		Gate:     gate,
		Activity: activity,
		Audit:    auditStore,
		Events:   publisher,
		Clock:    clk,
		Metrics:  m,
		Limits: payment.Limits{
			MinAmount:           cfg.MinTransactionAmount,
			MaxAmount:           cfg.MaxTransactionAmount,
			SupportedCurrencies: cfg.SupportedCurrencies,
			KYCRequiredAmount:   cfg.KYCRequiredAmount,
			AMLEnabled:          cfg.AMLCheckEnabled,
		},
	})
	batcher := payment.NewBatcher(store, clk, publisher, m, cfg.SettlementBatchSize)
	reviewer := payment.NewReviewer(store, clk, m)

	go batcher.Run(ctx, cfg.SettlementInterval, cfg.DefaultCurrency)
	go reviewer.Run(ctx, cfg.FraudReviewInterval, cfg.SettlementBatchSize)
	if db != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.RefreshSettlementBacklog(ctx, db)
				}
			}
		}()
	}

	mux := http.NewServeMux()
	h := &server.Handler{
		Coordinator: coordinator,
		Batcher:     batcher,
		Gate:        gate,
		Ledger:      ledger,
		Store:       store,
		Clock:       clk,
		StartedAt:   startedAt,
		Version:     version,
	}
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
