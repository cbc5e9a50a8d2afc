// Package detector classifies candles as wick spikes and records them.
package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/store"
)

// ErrNoData is returned by DetectAll when the symbol has no candles.
var ErrNoData = errors.New("insufficient price data")

// Source is the part of store.Store the detector reads and writes.
type Source interface {
	LatestCandle(ctx context.Context, symbol string) (store.Candle, error)
	Candles(ctx context.Context, symbol string, limit int) ([]store.Candle, error)
	InsertSpike(ctx context.Context, s *store.Spike) error
}

// Config holds the thresholds. A candle is a spike when its body is at most
// BodyRatioMax of its range and its range is at least ThresholdPercent of
// its close.
type Config struct {
	Symbol           string
	ThresholdPercent float64
	BodyRatioMax     float64
}

func DefaultConfig() Config {
	return Config{Symbol: "BTCUSDT", ThresholdPercent: 0.10, BodyRatioMax: 0.30}
}

type Detector struct {
	cfg Config
	src Source
	log zerolog.Logger
	now func() time.Time

	mu       sync.Mutex
	reported map[int64]struct{}
}

func New(cfg Config, src Source) *Detector {
	return &Detector{
		cfg:      cfg,
		src:      src,
		log:      obs.Component("detector").With().Str("symbol", cfg.Symbol).Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		reported: make(map[int64]struct{}),
	}
}

func (d *Detector) Config() Config { return d.cfg }

// Evaluate applies the wick rule. Candles with zero range or zero close are
// never spikes.
func (d *Detector) Evaluate(c store.Candle) (store.Spike, bool) {
	rng := c.High - c.Low
	if rng <= 0 || c.Close == 0 {
		return store.Spike{}, false
	}
	bodyRatio := math.Abs(c.Open-c.Close) / rng
	rangeRatio := rng / c.Close
	d.log.Debug().
		Float64("open", c.Open).Float64("high", c.High).Float64("low", c.Low).Float64("close", c.Close).
		Float64("body_ratio", bodyRatio).Float64("range_ratio", rangeRatio).
		Msg("spike check")
	if bodyRatio > d.cfg.BodyRatioMax || rangeRatio < d.cfg.ThresholdPercent {
		return store.Spike{}, false
	}
	return store.Spike{
		Timestamp:         c.Timestamp,
		Symbol:            c.Symbol,
		PriceID:           c.ID,
		Open:              c.Open,
		High:              c.High,
		Low:               c.Low,
		Close:             c.Close,
		BodyRatio:         bodyRatio,
		RangeClosePercent: rangeRatio * 100,
	}, true
}

// CheckLatest evaluates the newest candle. It returns nil when there is no
// data, the candle is not a spike, or it was already reported.
func (d *Detector) CheckLatest(ctx context.Context) (*store.Spike, error) {
	c, err := d.src.LatestCandle(ctx, d.cfg.Symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest price: %w", err)
	}
	sp, ok := d.Evaluate(c)
	if !ok || !d.claim(c.ID) {
		return nil, nil
	}
	if err := d.record(ctx, &sp); err != nil {
		d.release(c.ID)
		return nil, err
	}
	return &sp, nil
}

// DetectAll scans every candle of the symbol in time order and records each
// spike found. Candles already reported are skipped.
func (d *Detector) DetectAll(ctx context.Context) ([]store.Spike, error) {
	return d.DetectRange(ctx, time.Time{}, time.Time{})
}

// DetectRange is DetectAll limited to candles stamped within [start, end].
// A zero bound is open.
func (d *Detector) DetectRange(ctx context.Context, start, end time.Time) ([]store.Spike, error) {
	all, err := d.src.Candles(ctx, d.cfg.Symbol, 0)
	if err != nil {
		return nil, fmt.Errorf("load prices: %w", err)
	}
	candles := make([]store.Candle, 0, len(all))
	for _, c := range all {
		if (start.IsZero() || !c.Timestamp.Before(start)) && (end.IsZero() || !c.Timestamp.After(end)) {
			candles = append(candles, c)
		}
	}
	if len(candles) == 0 {
		return nil, ErrNoData
	}
	d.log.Info().Int("candles", len(candles)).Msg("analyzing price data")

	var spikes []store.Spike
	for _, c := range candles {
		sp, ok := d.Evaluate(c)
		if !ok || !d.claim(c.ID) {
			continue
		}
		if err := d.record(ctx, &sp); err != nil {
			d.release(c.ID)
			d.log.Error().Err(err).Int64("price_id", c.ID).Msg("insert spike failed")
			continue
		}
		spikes = append(spikes, sp)
	}
	d.log.Info().Int("spikes", len(spikes)).Msg("analysis complete")
	return spikes, nil
}

// Monitor calls CheckLatest every interval until ctx ends and hands each new
// spike to onSpike.
func (d *Detector) Monitor(ctx context.Context, interval time.Duration, onSpike func(context.Context, store.Spike)) {
	d.log.Info().Dur("interval", interval).Float64("threshold", d.cfg.ThresholdPercent).Msg("monitor started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("monitor stopped")
			return
		case <-ticker.C:
			sp, err := d.CheckLatest(ctx)
			if err != nil {
				d.log.Error().Err(err).Msg("detection error")
				continue
			}
			if sp != nil && onSpike != nil {
				onSpike(ctx, *sp)
			}
		}
	}
}

func (d *Detector) record(ctx context.Context, sp *store.Spike) error {
	sp.DetectedAt = d.now()
	if err := d.src.InsertSpike(ctx, sp); err != nil {
		return fmt.Errorf("insert spike: %w", err)
	}
	obs.SpikesDetected.Inc()
	d.log.Warn().
		Int64("spike_id", sp.ID).
		Time("timestamp", sp.Timestamp).
		Float64("range_pct", sp.RangeClosePercent).
		Float64("body_ratio", sp.BodyRatio).
		Float64("high", sp.High).Float64("low", sp.Low).
		Msg("spike detected")
	return nil
}

func (d *Detector) claim(priceID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.reported[priceID]; ok {
		return false
	}
	d.reported[priceID] = struct{}{}
	return true
}

func (d *Detector) release(priceID int64) {
	d.mu.Lock()
	delete(d.reported, priceID)
	d.mu.Unlock()
}
