// Package feed ingests OHLCV candles into the price store.
package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/store"
)

// Window bounds a replay. Both ends are inclusive; a zero end is open.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// ParseWindow reads start and end in any timestamp format the CSV accepts.
// An end left empty after a given start defaults to one day later.
func ParseWindow(start, end string) (Window, error) {
	var w Window
	var err error
	if start != "" {
		if w.Start, err = parseTimestamp(start); err != nil {
			return Window{}, fmt.Errorf("start: %w", err)
		}
	}
	switch {
	case end != "":
		if w.End, err = parseTimestamp(end); err != nil {
			return Window{}, fmt.Errorf("end: %w", err)
		}
	case !w.Start.IsZero():
		w.End = w.Start.Add(24 * time.Hour)
	}
	if !w.End.IsZero() && w.End.Before(w.Start) {
		return Window{}, fmt.Errorf("end %s is before start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return w, nil
}

// ErrBusy is returned by Pace while another paced replay is running.
var ErrBusy = errors.New("replay already running")

// Sink is the subset of store.Store the feed writes to.
type Sink interface {
	UpsertCandle(ctx context.Context, c *store.Candle) error
	ResetMarketData(ctx context.Context) error
}

// Replay reads historical candles from a CSV file with a header row and the
// columns timestamp,open,high,low,close,volume.
type Replay struct {
	path    string
	symbol  string
	sink    Sink
	log     zerolog.Logger
	running atomic.Bool
}

func NewReplay(path, symbol string, sink Sink) *Replay {
	return &Replay{path: path, symbol: symbol, sink: sink, log: obs.Component("feed")}
}

func (r *Replay) Path() string   { return r.path }
func (r *Replay) Symbol() string { return r.symbol }

// Running reports whether a paced replay is in progress.
func (r *Replay) Running() bool { return r.running.Load() }

// Load parses the file without touching the store.
func (r *Replay) Load() ([]store.Candle, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	return r.read(f)
}

// LoadAndStore upserts every parsed row and returns the number stored.
func (r *Replay) LoadAndStore(ctx context.Context) (int, error) {
	return r.LoadAndStoreWindow(ctx, Window{})
}

// LoadAndStoreWindow upserts the parsed rows that fall inside w.
func (r *Replay) LoadAndStoreWindow(ctx context.Context, w Window) (int, error) {
	all, err := r.Load()
	if err != nil {
		return 0, err
	}
	candles := all[:0]
	for _, c := range all {
		if w.Contains(c.Timestamp) {
			candles = append(candles, c)
		}
	}
	r.log.Info().Str("path", r.path).Int("rows", len(candles)).Msg("loading price data")
	stored := 0
	for i := range candles {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		if err := r.sink.UpsertCandle(ctx, &candles[i]); err != nil {
			r.log.Error().Err(err).Time("timestamp", candles[i].Timestamp).Msg("insert price failed")
			continue
		}
		stored++
	}
	r.log.Info().Int("stored", stored).Msg("price data loaded")
	return stored, nil
}

// Pace clears market data, then inserts rows one at a time with interval
// between them until the file is exhausted or ctx ends.
func (r *Replay) Pace(ctx context.Context, interval time.Duration) (int, error) {
	if !r.running.CompareAndSwap(false, true) {
		return 0, ErrBusy
	}
	defer r.running.Store(false)

	candles, err := r.Load()
	if err != nil {
		return 0, err
	}
	if err := r.sink.ResetMarketData(ctx); err != nil {
		return 0, fmt.Errorf("reset market data: %w", err)
	}
	r.log.Info().Int("rows", len(candles)).Dur("interval", interval).Msg("paced replay started")

	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}
	stored := 0
	for i := range candles {
		if i > 0 && ticker != nil {
			select {
			case <-ctx.Done():
				return stored, ctx.Err()
			case <-ticker.C:
			}
		}
		if err := r.sink.UpsertCandle(ctx, &candles[i]); err != nil {
			r.log.Error().Err(err).Int("row", i).Msg("insert price failed")
			continue
		}
		stored++
		r.log.Debug().Int("row", i+1).Int("of", len(candles)).Float64("close", candles[i].Close).Msg("kline inserted")
	}
	r.log.Info().Int("stored", stored).Msg("paced replay finished")
	return stored, nil
}

func (r *Replay) read(src io.Reader) ([]store.Candle, error) {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if _, err := cr.Read(); err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	var out []store.Candle
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			r.log.Warn().Err(err).Int("line", line).Msg("skipping unreadable row")
			continue
		}
		c, err := parseRow(rec)
		if err != nil {
			r.log.Warn().Err(err).Int("line", line).Msg("skipping malformed row")
			continue
		}
		c.Symbol = r.symbol
		out = append(out, c)
	}
	return out, nil
}

func parseRow(rec []string) (store.Candle, error) {
	if len(rec) < 6 {
		return store.Candle{}, fmt.Errorf("want 6 columns, got %d", len(rec))
	}
	ts, err := parseTimestamp(rec[0])
	if err != nil {
		return store.Candle{}, err
	}
	var vals [5]float64
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
		if err != nil {
			return store.Candle{}, fmt.Errorf("column %d: %w", i+2, err)
		}
		vals[i] = v
	}
	return store.Candle{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// parseTimestamp accepts the layouts above or unix seconds. Integers above
// 1e12 are milliseconds.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", s)
}
