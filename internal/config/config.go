// Package config loads the service configuration from YAML with ${VAR}
// expansion and an optional .env file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/pool"
)

type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Pool     Pool     `yaml:"pool"`
	Detector Detector `yaml:"detector"`
	Replay   Replay   `yaml:"replay"`
	Live     Live     `yaml:"live"`
	Auth     Auth     `yaml:"auth"`
	NATS     NATS     `yaml:"nats"`
	Indexer  Indexer  `yaml:"indexer"`
	Log      Log      `yaml:"log"`
}

type Server struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RatePerSec      float64       `yaml:"rate_per_sec"`
	RateBurst       int           `yaml:"rate_burst"`
	CORSOrigin      string        `yaml:"cors_origin"`
}

type Database struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// Pool holds deployment identities and economics. Amounts are decimal unit
// strings ("10", "12.5").
type Pool struct {
	Deployer       string        `yaml:"deployer"`
	Oracle         string        `yaml:"oracle"`
	Premium        string        `yaml:"premium"`
	Coverage       string        `yaml:"coverage"`
	Duration       time.Duration `yaml:"duration"`
	InitialFunding string        `yaml:"initial_funding"`
	FaucetEnabled  bool          `yaml:"faucet_enabled"`
	FaucetMax      string        `yaml:"faucet_max"`
}

type Detector struct {
	Symbol           string        `yaml:"symbol"`
	ThresholdPercent float64       `yaml:"threshold_percent"`
	BodyRatioMax     float64       `yaml:"body_ratio_max"`
	Interval         time.Duration `yaml:"interval"`
}

// Replay configures the historical feed. WickCSVPath feeds the paced demo
// replay started from the API.
type Replay struct {
	CSVPath     string        `yaml:"csv_path"`
	WickCSVPath string        `yaml:"wick_csv_path"`
	Pace        time.Duration `yaml:"pace"`
}

// Live configures the on-chain price feed polled in live mode. Prices are
// folded into bars of width Bar.
type Live struct {
	RPCURL       string        `yaml:"rpc_url"`
	FeedAddress  string        `yaml:"feed_address"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Bar          time.Duration `yaml:"bar"`
}

// Enabled reports whether an RPC endpoint and feed are configured.
func (l Live) Enabled() bool { return l.RPCURL != "" && l.FeedAddress != "" }

type Auth struct {
	Secret    string        `yaml:"secret"`
	DevTokens bool          `yaml:"dev_tokens"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type NATS struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

type Indexer struct {
	ResyncInterval time.Duration `yaml:"resync_interval"`
	SnapshotDelay  time.Duration `yaml:"snapshot_delay"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns a configuration that runs a local replay demo.
func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RatePerSec:      20,
			RateBurst:       40,
			CORSOrigin:      "*",
		},
		Database: Database{
			MaxOpenConns: 10,
			MaxIdleConns: 10,
			ConnLifetime: 30 * time.Minute,
		},
		Pool: Pool{
			Deployer:       "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			Premium:        "10",
			Coverage:       "100",
			Duration:       24 * time.Hour,
			InitialFunding: "10000",
			FaucetEnabled:  true,
			FaucetMax:      "1000",
		},
		Detector: Detector{
			Symbol:           "BTCUSDT",
			ThresholdPercent: 0.10,
			BodyRatioMax:     0.30,
			Interval:         30 * time.Second,
		},
		Replay: Replay{
			CSVPath:     "data/btcusdt_2021-05-19.csv",
			WickCSVPath: "data/btcusdt_wick_test.csv",
			Pace:        time.Second,
		},
		Live: Live{
			PollInterval: 10 * time.Second,
			Bar:          time.Minute,
		},
		Auth: Auth{
			TokenTTL: 12 * time.Hour,
		},
		NATS: NATS{
			Stream: "SPIKESHIELD_EVENTS",
		},
		Indexer: Indexer{
			ResyncInterval: 5 * time.Minute,
			SnapshotDelay:  500 * time.Millisecond,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults. A .env next to the
// working directory is applied first so ${VAR} references resolve.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks addresses and amounts.
func (c Config) Validate() error {
	var errs []error
	if !common.IsHexAddress(c.Pool.Deployer) {
		errs = append(errs, fmt.Errorf("pool.deployer: %q is not an address", c.Pool.Deployer))
	}
	if c.Pool.Oracle != "" && !common.IsHexAddress(c.Pool.Oracle) {
		errs = append(errs, fmt.Errorf("pool.oracle: %q is not an address", c.Pool.Oracle))
	}
	for name, v := range map[string]string{
		"pool.premium":         c.Pool.Premium,
		"pool.coverage":        c.Pool.Coverage,
		"pool.initial_funding": c.Pool.InitialFunding,
		"pool.faucet_max":      c.Pool.FaucetMax,
	} {
		if _, err := asset.ParseUnits(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Detector.ThresholdPercent <= 0 {
		errs = append(errs, errors.New("detector.threshold_percent must be positive"))
	}
	if c.Detector.BodyRatioMax <= 0 || c.Detector.BodyRatioMax > 1 {
		errs = append(errs, errors.New("detector.body_ratio_max must be in (0,1]"))
	}
	if c.Detector.Interval <= 0 {
		errs = append(errs, errors.New("detector.interval must be positive"))
	}
	if c.Live.FeedAddress != "" && !common.IsHexAddress(c.Live.FeedAddress) {
		errs = append(errs, fmt.Errorf("live.feed_address: %q is not an address", c.Live.FeedAddress))
	}
	if c.Live.PollInterval <= 0 || c.Live.Bar <= 0 {
		errs = append(errs, errors.New("live.poll_interval and live.bar must be positive"))
	}
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	return errors.Join(errs...)
}

// DeployerAddress is the identity that deploys and initially owns the pool.
func (c Config) DeployerAddress() common.Address {
	return common.HexToAddress(c.Pool.Deployer)
}

// OracleAddress defaults to the deployer.
func (c Config) OracleAddress() common.Address {
	if c.Pool.Oracle == "" {
		return c.DeployerAddress()
	}
	return common.HexToAddress(c.Pool.Oracle)
}

// PoolParams converts the configured economics. Call after Validate.
func (c Config) PoolParams() pool.Params {
	return pool.Params{
		PremiumAmount:    asset.MustParseUnits(c.Pool.Premium),
		CoverageAmount:   asset.MustParseUnits(c.Pool.Coverage),
		CoverageDuration: c.Pool.Duration,
	}
}
