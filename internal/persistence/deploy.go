package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/pool"
)

// Addresses derives the asset and ledger addresses from the deployer the way
// two consecutive contract creations would: nonce 0, then nonce 1.
func Addresses(deployer common.Address) (tokenAddr, poolAddr common.Address) {
	return crypto.CreateAddress(deployer, 0), crypto.CreateAddress(deployer, 1)
}

// DeployConfig describes a fresh deployment. InitialFunding is minted to the
// deployer and moved into the pool.
type DeployConfig struct {
	Deployer       common.Address
	Oracle         common.Address
	Params         pool.Params
	InitialFunding uint64
}

// Deploy creates the asset and the ledger, hands the oracle role over when
// it differs from the deployer, and funds the pool.
func Deploy(ctx context.Context, cfg DeployConfig, tokenOpts []asset.Option, poolOpts ...pool.Option) (*asset.Token, *pool.Pool, error) {
	if cfg.Deployer == (common.Address{}) {
		return nil, nil, errors.New("deploy: deployer address required")
	}
	tokenAddr, poolAddr := Addresses(cfg.Deployer)
	tok := asset.NewToken(tokenAddr, tokenOpts...)
	p := pool.New(poolAddr, tok, cfg.Deployer, append([]pool.Option{pool.WithParams(cfg.Params)}, poolOpts...)...)

	if cfg.Oracle != (common.Address{}) && cfg.Oracle != cfg.Deployer {
		if err := p.SetOracle(ctx, cfg.Deployer, cfg.Oracle); err != nil {
			return nil, nil, fmt.Errorf("deploy: set oracle: %w", err)
		}
	}
	if cfg.InitialFunding > 0 {
		if err := tok.Mint(ctx, cfg.Deployer, cfg.InitialFunding); err != nil {
			return nil, nil, fmt.Errorf("deploy: mint: %w", err)
		}
		if err := tok.Approve(ctx, cfg.Deployer, poolAddr, cfg.InitialFunding); err != nil {
			return nil, nil, fmt.Errorf("deploy: approve: %w", err)
		}
		if err := p.FundPool(ctx, cfg.Deployer, cfg.InitialFunding); err != nil {
			return nil, nil, fmt.Errorf("deploy: fund: %w", err)
		}
	}
	return tok, p, nil
}

// Open restores the stored deployment, or deploys and saves a new one when
// nothing is stored. deployed reports which happened.
func Open(ctx context.Context, kv StateStore, cfg DeployConfig, tokenOpts []asset.Option, poolOpts ...pool.Option) (tok *asset.Token, p *pool.Pool, deployed bool, err error) {
	snap, err := Load(ctx, kv)
	switch {
	case err == nil:
		tok, p, err = Restore(snap, tokenOpts, poolOpts...)
		return tok, p, false, err
	case !errors.Is(err, ErrNoState):
		return nil, nil, false, err
	}
	tok, p, err = Deploy(ctx, cfg, tokenOpts, poolOpts...)
	if err != nil {
		return nil, nil, false, err
	}
	if _, err := Save(ctx, kv, p, tok); err != nil {
		return nil, nil, false, err
	}
	return tok, p, true, nil
}
