package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	p := cfg.PoolParams()
	if p.PremiumAmount != 10_000_000 || p.CoverageAmount != 100_000_000 || p.CoverageDuration != 24*time.Hour {
		t.Fatalf("default params: %+v", p)
	}
	if cfg.OracleAddress() != cfg.DeployerAddress() {
		t.Fatal("oracle should default to deployer")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://u:p@localhost/spike")
	path := writeFile(t, `
database:
  dsn: ${TEST_PG_DSN}
pool:
  premium: "20"
  coverage: "200"
  duration: 48h
detector:
  threshold_percent: 0.05
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.DSN != "postgres://u:p@localhost/spike" {
		t.Fatalf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.PoolParams().PremiumAmount != 20_000_000 || cfg.Pool.Duration != 48*time.Hour {
		t.Fatalf("pool = %+v", cfg.Pool)
	}
	if cfg.Detector.ThresholdPercent != 0.05 || cfg.Detector.BodyRatioMax != 0.30 {
		t.Fatalf("detector = %+v", cfg.Detector)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Fatal("defaults lost for unset sections")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "pool:\n  premiumm: \"1\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Pool.Deployer = "nope"
	cfg.Pool.Premium = "-1"
	cfg.Detector.BodyRatioMax = 2
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"pool.deployer", "pool.premium", "body_ratio_max"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Replay.Pace != time.Second || cfg.Replay.WickCSVPath == "" {
		t.Fatalf("pace = %v", cfg.Replay.Pace)
	}
}

func TestLiveSection(t *testing.T) {
	if Default().Live.Enabled() {
		t.Fatal("live feed should be off without an rpc url")
	}
	t.Setenv("TEST_RPC_URL", "https://rpc.example")
	cfg, err := Load(writeFile(t, `
live:
  rpc_url: ${TEST_RPC_URL}
  feed_address: "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c"
  bar: 5m
`))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Live.Enabled() || cfg.Live.Bar != 5*time.Minute || cfg.Live.PollInterval != 10*time.Second {
		t.Fatalf("live = %+v", cfg.Live)
	}

	bad := Default()
	bad.Live.FeedAddress = "feed"
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "live.feed_address") {
		t.Fatalf("expected feed address error, got %v", err)
	}
}
