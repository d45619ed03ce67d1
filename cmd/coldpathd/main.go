// Command coldpathd is the asynchronous replay daemon: it consumes
// BACKDATED trades from the coldpath queue and drives them through the
// coldpath engine (C9). Its worker pool and connection pool are isolated
// from hotpathd's (spec §5: "coldpath back-pressure cannot starve
// hotpath"), which is why this is a separate binary rather than a second
// goroutine group inside hotpathd.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chidi150c/swapengine/internal/coldpath"
	"github.com/chidi150c/swapengine/internal/config"
	"github.com/chidi150c/swapengine/internal/contractrules"
	"github.com/chidi150c/swapengine/internal/domain"
	"github.com/chidi150c/swapengine/internal/emitter"
	"github.com/chidi150c/swapengine/internal/eventstore"
	"github.com/chidi150c/swapengine/internal/idempotency"
	"github.com/chidi150c/swapengine/internal/logging"
	"github.com/chidi150c/swapengine/internal/snapshotstore"
	"github.com/chidi150c/swapengine/internal/telemetry"
	"github.com/chidi150c/swapengine/internal/upimanager"
)

const topicBackdated = "trades-backdated"

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "coldpathd",
		Short: "Run the coldpath replay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coldpathd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.DevMode)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	// A dedicated connection pool, smaller than hotpathd's, since replay is
	// tolerant of multi-second latency (§4.9) and must never compete with
	// the hotpath pool for connections.
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.ColdpathWorkers * 2)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	emit := emitter.New(cfg.KafkaBrokers)
	defer emit.Close()

	rules := contractrules.New(
		func(ctx context.Context, contractID string) (domain.TaxLotMethod, error) {
			return "", fmt.Errorf("contractrules: external Contract Service not wired")
		},
		cfg.ContractRulesTTL,
		cfg.ContractRulesHardTimeout,
		domain.TaxLotMethod(cfg.DefaultTaxLotMethod),
	)

	engine := &coldpath.Engine{
		DB:          db,
		Snapshots:   snapshotstore.New(db),
		Events:      eventstore.New(db),
		Idempotency: idempotency.New(db, rdb, cfg.IdempotencyTTL),
		UPI:         upimanager.New(db),
		Rules:       rules,
		Emit:        emit,
		Log:         log,
	}

	reg := prometheus.NewRegistry()
	telemetry.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		log.Info("serving metrics", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: "coldpathd",
		Topic:   topicBackdated,
	})
	defer reader.Close()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.ColdpathWorkers; i++ {
		g.Go(func() error {
			return consumeLoop(gctx, reader, engine, log)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker pool exited", zap.Error(err))
	}

	shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	return srv.Shutdown(shutdownCtx)
}

func consumeLoop(ctx context.Context, reader *kafka.Reader, engine *coldpath.Engine, log *zap.Logger) error {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		var trade domain.TradeEvent
		if err := json.Unmarshal(msg.Value, &trade); err != nil {
			log.Error("malformed backdated message", zap.Error(err))
			continue
		}

		if _, err := engine.Process(ctx, trade); err != nil {
			log.Error("coldpath replay failed", zap.String("tradeId", trade.TradeID), zap.Error(err))
		}
	}
}
