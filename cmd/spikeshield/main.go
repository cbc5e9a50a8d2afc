package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/auth"
	"spikeshield.io/internal/config"
	"spikeshield.io/internal/detector"
	"spikeshield.io/internal/feed"
	"spikeshield.io/internal/httpapi"
	"spikeshield.io/internal/indexer"
	"spikeshield.io/internal/migrate"
	"spikeshield.io/internal/natsbus"
	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/payout"
	"spikeshield.io/internal/persistence"
	"spikeshield.io/internal/pool"
	"spikeshield.io/internal/store"
	"spikeshield.io/internal/store/pg"
	"spikeshield.io/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	mode := flag.String("mode", "replay", "Mode: replay or live")
	configPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	startFlag := flag.String("start", "", "Replay window start (e.g. 2021-05-19T00:00:00); empty replays the whole file")
	endFlag := flag.String("end", "", "Replay window end; defaults to start + 24h")
	flag.Parse()

	log := obs.Component("main")
	if *mode != "replay" && *mode != "live" {
		log.Fatal().Str("mode", *mode).Msg("invalid mode (use replay or live)")
	}
	window, err := feed.ParseWindow(*startFlag, *endFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid replay window")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	obs.SetLevel(cfg.Log.Level)
	log = obs.Component("main")
	obs.Init()
	obs.InitBuildInfo(version, commit)
	if cfg.Auth.Secret != "" {
		auth.SetSecret(cfg.Auth.Secret)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore := openStore(ctx, cfg)
	defer closeStore()

	// The transfer hook needs the indexer and the indexer needs the ledger,
	// so the hook resolves the indexer late. Nothing transfers before it is set.
	var ix *indexer.Indexer
	hook := asset.WithTransferHook(func(ctx context.Context, from, to common.Address, amount uint64) {
		if ix != nil {
			ix.TrackTransfer(ctx, from, to, amount)
		}
	})
	events := stream.New()

	deploy := persistence.DeployConfig{
		Deployer:       cfg.DeployerAddress(),
		Oracle:         cfg.OracleAddress(),
		Params:         cfg.PoolParams(),
		InitialFunding: asset.MustParseUnits(cfg.Pool.InitialFunding),
	}
	tok, p, fresh, err := persistence.Open(ctx, st, deploy, []asset.Option{hook}, pool.WithPublisher(events))
	if err != nil {
		log.Fatal().Err(err).Msg("open deployment")
	}
	ix = indexer.New(p, tok, st)
	log.Info().
		Bool("fresh", fresh).
		Str("pool", p.Address().Hex()).
		Str("asset", tok.Address().Hex()).
		Str("implementation", p.Implementation(ctx)).
		Msg("deployment ready")

	payouts, err := payout.New(ctx, p, st, cfg.OracleAddress())
	if err != nil {
		log.Fatal().Err(err).Msg("payout service")
	}
	det := detector.New(detector.Config{
		Symbol:           cfg.Detector.Symbol,
		ThresholdPercent: cfg.Detector.ThresholdPercent,
		BodyRatioMax:     cfg.Detector.BodyRatioMax,
	}, st)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	indexed := events.SubscribeBuffered(ctx, 1024)
	spawn(func() { ix.Run(ctx, indexed, cfg.Indexer.ResyncInterval) })

	saver := persistence.NewWorker(st, p, tok, cfg.Indexer.SnapshotDelay)
	saved := events.SubscribeBuffered(ctx, 1024)
	spawn(func() { saver.Run(ctx, saved) })

	if cfg.NATS.URL != "" {
		nc, js, err := natsbus.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			log.Error().Err(err).Str("url", cfg.NATS.URL).Msg("nats unavailable, event bridge disabled")
		} else {
			defer nc.Close()
			bridged := events.SubscribeBuffered(ctx, 1024)
			spawn(func() { natsbus.NewBridge(js).Run(ctx, bridged) })
		}
	}

	if fresh {
		if err := ix.FullSync(ctx); err != nil {
			log.Warn().Err(err).Msg("initial sync failed")
		}
	}

	onSpike := func(ctx context.Context, sp store.Spike) {
		res, err := payouts.HandleSpike(ctx, sp)
		if err != nil {
			log.Error().Err(err).Int64("spike_id", sp.ID).Msg("payout batch failed")
			return
		}
		log.Info().Int64("spike_id", sp.ID).Int("paid", res.Paid).Int("skipped", res.Skipped).Int("insufficient", res.Insufficient).Int("failed", res.Failed).Msg("payout batch done")
	}

	replay := feed.NewReplay(cfg.Replay.WickCSVPath, cfg.Detector.Symbol, st)
	switch *mode {
	case "replay":
		runReplay(ctx, cfg, window, st, det, onSpike)
	case "live":
		if !cfg.Live.Enabled() {
			log.Warn().Msg("live mode without live.rpc_url and live.feed_address: monitoring ingested candles only")
			break
		}
		agg, err := feed.DialAggregator(ctx, cfg.Live.RPCURL, common.HexToAddress(cfg.Live.FeedAddress))
		if err != nil {
			log.Fatal().Err(err).Msg("live price feed")
		}
		defer agg.Close()
		live := feed.NewLive(agg, cfg.Detector.Symbol, cfg.Live.Bar, st)
		spawn(func() { live.Run(ctx, cfg.Live.PollInterval) })
	}
	// Both modes keep monitoring so candles ingested later (the wick demo
	// replay, an external writer) are still evaluated.
	spawn(func() { det.Monitor(ctx, cfg.Detector.Interval, onSpike) })

	api := httpapi.New(httpapi.Deps{
		Pool:       p,
		Token:      tok,
		Store:      st,
		Stream:     events,
		Detector:   det,
		Replay:     replay,
		Payouts:    payouts,
		Indexer:    ix,
		Challenges: auth.NewChallenges(5 * time.Minute),
		Background: ctx,
	}, httpapi.Options{
		Version:    version,
		TokenTTL:   cfg.Auth.TokenTTL,
		DevTokens:  cfg.Auth.DevTokens,
		Faucet:     cfg.Pool.FaucetEnabled,
		FaucetMax:  asset.MustParseUnits(cfg.Pool.FaucetMax),
		Pace:       cfg.Replay.Pace,
		RatePerSec: cfg.Server.RatePerSec,
		RateBurst:  cfg.Server.RateBurst,
		CORSOrigin: cfg.Server.CORSOrigin,
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Str("mode", *mode).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http listen")
		}
	}()

	var grpcSrv *httpapi.GRPCServer
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Server.GRPCAddr).Msg("grpc listen")
		}
		grpcSrv = httpapi.NewGRPCServer(httpapi.ReadyProbe{Store: st}, version)
		spawn(func() { grpcSrv.Watch(ctx, 10*time.Second) })
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error().Err(err).Msg("grpc serve")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	wg.Wait()

	if _, err := persistence.Save(shutdownCtx, st, p, tok); err != nil {
		log.Error().Err(err).Msg("final snapshot")
	}
	log.Info().Msg("stopped")
}

// runReplay loads the historical CSV rows inside w, scans them and pays out
// on each spike found.
func runReplay(ctx context.Context, cfg config.Config, w feed.Window, st store.Store, det *detector.Detector, onSpike func(context.Context, store.Spike)) {
	log := obs.Component("main")
	n, err := feed.NewReplay(cfg.Replay.CSVPath, cfg.Detector.Symbol, st).LoadAndStoreWindow(ctx, w)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Replay.CSVPath).Msg("replay load failed")
		return
	}
	if !w.Start.IsZero() || !w.End.IsZero() {
		log.Info().Time("start", w.Start).Time("end", w.End).Msg("replay window")
	}
	spikes, err := det.DetectRange(ctx, w.Start, w.End)
	if err != nil {
		log.Error().Err(err).Msg("detection failed")
		return
	}
	log.Info().Int("candles", n).Int("spikes", len(spikes)).Msg("replay detection complete")
	for _, sp := range spikes {
		onSpike(ctx, sp)
	}
}

// openStore connects to Postgres when a DSN is configured and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func()) {
	log := obs.Component("main")
	if cfg.Database.DSN == "" {
		log.Warn().Msg("no database dsn, using in-memory store")
		return store.NewMemory(), func() {}
	}
	db, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		ConnLifetime: cfg.Database.ConnLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	applied, err := migrate.NewManager(db.DB(), migrate.Migrations(), migrate.Seeds()).Up(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("apply migrations")
	}
	if len(applied) > 0 {
		log.Info().Strs("migrations", applied).Msg("migrations applied")
	}
	release, err := db.TryLock(ctx, pg.DeploymentLockKey)
	if errors.Is(err, store.ErrLocked) {
		log.Fatal().Msg("deployment is locked by another spikeshield or a running spikectl")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("deployment lock")
	}
	return db, func() {
		release()
		_ = db.Close()
	}
}
