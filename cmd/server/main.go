package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"coin_ledger/internal/api"
	"coin_ledger/internal/audit"
	"coin_ledger/internal/compliance"
	"coin_ledger/internal/config"
	"coin_ledger/internal/ledger"
	"coin_ledger/internal/metrics"
	"coin_ledger/internal/proposal"
	"coin_ledger/internal/settlement"
	"coin_ledger/internal/store"
	"coin_ledger/internal/store/gormstore"
	"coin_ledger/internal/store/memory"
	"coin_ledger/internal/utils"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	log := logrus.New()
	log.SetLevel(cfg.LogLevel)
	if cfg.IsProd {
		log.SetFormatter(&logrus.JSONFormatter{})
		gin.SetMode(gin.ReleaseMode)
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	var s store.Store
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn("using the in-memory store, data is lost on exit")
		s = memory.New()
	default:
		s = gormstore.NewMySQL(cfg.DSN())
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer s.Close()

	// Redis is optional; without it reads go straight to the store
	var cache utils.Cache = utils.NopCache{}
	var dir compliance.Directory = compliance.NewStoreDirectory(s)
	var identities api.IdentityCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		cache = utils.NewRedisCache(rdb)
		cached := compliance.NewCachedDirectory(dir, cache, cfg.IdentityCacheTTL, log)
		dir, identities = cached, cached
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gate := compliance.NewRuleGate(dir, compliance.Rules{
		SanctionedJurisdictions: cfg.SanctionedJurisdictions,
		BlockedCorridors:        cfg.BlockedCorridors,
		RequireKYC:              cfg.RequireKYC,
	}, log)
	sink := audit.NewSink(s, log)
	l := ledger.New(s, gate, sink, ledger.Config{
		CoinType:       cfg.CoinType,
		MaxSupply:      cfg.MaxSupply,
		DailyMintLimit: cfg.DailyMintLimit,
		USDRate:        cfg.USDRate,
	}, log, m)
	workflow := proposal.New(s, l, sink, proposal.Config{
		RequiredApprovals: cfg.RequiredApprovals,
		Proposers:         cfg.MintProposers,
		Approvers:         cfg.MintApprovers,
	}, log, m)

	deps := &api.Deps{
		Store:            s,
		Ledger:           l,
		Proposals:        workflow,
		Audit:            sink,
		Cache:            cache,
		Identities:       identities,
		Log:              log,
		JWTSecret:        cfg.JWTSecret,
		SettlementSecret: []byte(cfg.SettlementSecret),
		AdminUsernames:   cfg.Admins,
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.PayoutURL != "" {
		proc := settlement.NewHTTPProcessor(cfg.PayoutURL, []byte(cfg.SettlementSecret), cfg.PayoutTimeout)
		dispatcher := settlement.NewDispatcher(l, proc, settlement.DispatcherConfig{
			Workers:   cfg.PayoutWorkers,
			Attempts:  cfg.PayoutAttempts,
			Backoff:   time.Second,
			Timeout:   cfg.PayoutTimeout,
			OnOutcome: deps.InvalidateSender,
		}, log, m)
		l.UsePayouts(dispatcher)
		g.Go(func() error { return dispatcher.Run(ctx) })
	} else {
		log.Warn("PAYOUT_URL not set, withdrawals wait for the settlement webhook")
	}

	router := api.NewRouter(deps, m, reg)
	if err := router.SetTrustedProxies([]string{"127.0.0.1"}); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("server running")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
