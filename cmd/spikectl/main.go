package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/config"
	"spikeshield.io/internal/migrate"
	"spikeshield.io/internal/persistence"
	"spikeshield.io/internal/store"
	"spikeshield.io/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		configPath = flag.String("config", "", "Path to YAML config (defaults apply when empty)")
		dsn        = flag.String("dsn", os.Getenv("SPIKESHIELD_PG_DSN"), "PostgreSQL DSN (overrides database.dsn)")
		impl       = flag.String("impl", "", "Implementation version for upgrade")
	)
	flag.Parse()
	if len(flag.Args()) == 0 {
		log.Fatal("usage: spikectl [deploy|upgrade|status]")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if cfg.Database.DSN == "" {
		log.Fatal("missing DSN: provide via -dsn, SPIKESHIELD_PG_DSN or database.dsn")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 2})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer st.Close()

	switch flag.Arg(0) {
	case "deploy":
		err = withDeploymentLock(ctx, st, func() error { return deploy(ctx, st, cfg) })
	case "upgrade":
		err = withDeploymentLock(ctx, st, func() error { return upgrade(ctx, st, *impl) })
	case "status":
		err = status(ctx, st)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

// withDeploymentLock runs fn while holding the lock a running spikeshield
// keeps on its deployment.
func withDeploymentLock(ctx context.Context, st *pg.Store, fn func() error) error {
	release, err := st.TryLock(ctx, pg.DeploymentLockKey)
	if errors.Is(err, store.ErrLocked) {
		return errors.New("deployment is in use by a running spikeshield; stop it first")
	}
	if err != nil {
		return fmt.Errorf("deployment lock: %w", err)
	}
	defer release()
	return fn()
}

func deploy(ctx context.Context, st *pg.Store, cfg config.Config) error {
	if _, err := migrate.NewManager(st.DB(), migrate.Migrations(), migrate.Seeds()).Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if snap, err := persistence.Load(ctx, st); err == nil {
		return fmt.Errorf("already deployed: pool %s, asset %s (use upgrade)", snap.Pool.Address.Hex(), snap.Asset.Address.Hex())
	} else if !errors.Is(err, persistence.ErrNoState) {
		return err
	}
	tok, p, err := persistence.Deploy(ctx, persistence.DeployConfig{
		Deployer:       cfg.DeployerAddress(),
		Oracle:         cfg.OracleAddress(),
		Params:         cfg.PoolParams(),
		InitialFunding: asset.MustParseUnits(cfg.Pool.InitialFunding),
	}, nil)
	if err != nil {
		return err
	}
	meta, err := persistence.Save(ctx, st, p, tok)
	if err != nil {
		return err
	}
	fmt.Printf("asset deployed at %s\n", tok.Address().Hex())
	fmt.Printf("pool deployed at %s\n", p.Address().Hex())
	fmt.Printf("pool funded with %s %s\n", asset.FormatUnits(p.PoolBalance(ctx)), tok.Symbol())
	fmt.Printf("snapshot %s\n", meta.SnapshotID)
	return nil
}

func upgrade(ctx context.Context, st *pg.Store, impl string) error {
	if impl == "" {
		return errors.New("missing -impl version")
	}
	prev, meta, err := persistence.Upgrade(ctx, st, impl)
	if err != nil {
		return err
	}
	fmt.Printf("pool %s upgraded %s -> %s (snapshot %s)\n", meta.Pool.Hex(), prev, impl, meta.SnapshotID)
	return nil
}

func status(ctx context.Context, st *pg.Store) error {
	snap, err := persistence.Load(ctx, st)
	if err != nil {
		return err
	}
	tok, p, err := persistence.Restore(snap, nil)
	if err != nil {
		return err
	}
	params := p.Params(ctx)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"pool", p.Address().Hex()},
		{"asset", tok.Address().Hex()},
		{"implementation", p.Implementation(ctx)},
		{"owner", p.Owner(ctx).Hex()},
		{"oracle", p.Oracle(ctx).Hex()},
		{"premium", asset.FormatUnits(params.PremiumAmount)},
		{"coverage", asset.FormatUnits(params.CoverageAmount)},
		{"duration", params.CoverageDuration.String()},
		{"pool balance", asset.FormatUnits(p.PoolBalance(ctx))},
		{"policy holders", fmt.Sprint(len(p.PolicyHolders(ctx)))},
		{"seq", fmt.Sprint(p.Seq(ctx))},
	}
	if !snap.Meta.SavedAt.IsZero() {
		rows = append(rows, [2]string{"saved at", snap.Meta.SavedAt.Format(time.RFC3339)})
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\n", r[0], r[1])
	}
	return w.Flush()
}
