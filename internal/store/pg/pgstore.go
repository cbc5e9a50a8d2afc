// Package pg implements store.Store on PostgreSQL through pgx's database/sql
// driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/jackc/pgx/v5/stdlib"

	"spikeshield.io/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// PoolConfig tunes the database/sql connection pool. Zero values keep the
// defaults.
type PoolConfig struct {
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

func Open(dsn string, cfg PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 50
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 25
	}
	if cfg.ConnLifetime <= 0 {
		cfg.ConnLifetime = 15 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle. Used by tests with sqlmock.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) UpsertCandle(ctx context.Context, c *store.Candle) error {
	return s.db.QueryRowContext(ctx, `
		insert into prices(timestamp, symbol, open, high, low, close, volume)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (timestamp, symbol) do update
		set open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume
		returning id
	`, c.Timestamp.UTC(), c.Symbol, c.Open, c.High, c.Low, c.Close, c.Volume).Scan(&c.ID)
}

func (s *Store) LatestCandle(ctx context.Context, symbol string) (store.Candle, error) {
	var c store.Candle
	err := s.db.QueryRowContext(ctx, `
		select id, timestamp, symbol, open, high, low, close, volume
		from prices where symbol=$1
		order by timestamp desc limit 1
	`, symbol).Scan(&c.ID, &c.Timestamp, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Candle{}, store.ErrNotFound
	}
	if err != nil {
		return store.Candle{}, err
	}
	c.Timestamp = c.Timestamp.UTC()
	return c, nil
}

func (s *Store) Candles(ctx context.Context, symbol string, limit int) ([]store.Candle, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit <= 0 {
		rows, err = s.db.QueryContext(ctx, `
			select id, timestamp, symbol, open, high, low, close, volume
			from prices where symbol=$1 order by timestamp asc
		`, symbol)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			select id, timestamp, symbol, open, high, low, close, volume
			from prices where symbol=$1 order by timestamp desc limit $2
		`, symbol, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Candle
	for rows.Next() {
		var c store.Candle
		if err := rows.Scan(&c.ID, &c.Timestamp, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.Timestamp = c.Timestamp.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ResetMarketData(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `delete from spikes`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from prices`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) InsertSpike(ctx context.Context, sp *store.Spike) error {
	if sp.DetectedAt.IsZero() {
		sp.DetectedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx, `
		insert into spikes(timestamp, symbol, price_id, body_ratio, range_close_percent, detected_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (price_id) do update set price_id = excluded.price_id
		returning id
	`, sp.Timestamp.UTC(), sp.Symbol, sp.PriceID, sp.BodyRatio, sp.RangeClosePercent, sp.DetectedAt).Scan(&sp.ID)
}

func (s *Store) RecentSpikes(ctx context.Context, limit int) ([]store.Spike, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx, `
		select s.id, s.timestamp, s.symbol, s.price_id, p.open, p.high, p.low, p.close,
			s.body_ratio, s.range_close_percent, s.detected_at
		from spikes s
		join prices p on p.id = s.price_id
		order by s.detected_at desc, s.id desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Spike
	for rows.Next() {
		var sp store.Spike
		if err := rows.Scan(&sp.ID, &sp.Timestamp, &sp.Symbol, &sp.PriceID, &sp.Open, &sp.High, &sp.Low, &sp.Close,
			&sp.BodyRatio, &sp.RangeClosePercent, &sp.DetectedAt); err != nil {
			return nil, err
		}
		sp.Timestamp = sp.Timestamp.UTC()
		sp.DetectedAt = sp.DetectedAt.UTC()
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *Store) UpsertPolicy(ctx context.Context, p store.PolicyRow) error {
	idx, err := toInt64(p.PolicyIndex)
	if err != nil {
		return err
	}
	premium, err := toInt64(p.Premium)
	if err != nil {
		return err
	}
	coverage, err := toInt64(p.CoverageAmount)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into policies(user_address, policy_index, premium, coverage_amount, purchase_time, expiry_time, status, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7, now())
		on conflict (user_address, policy_index) do update
		set premium = excluded.premium, coverage_amount = excluded.coverage_amount,
			purchase_time = excluded.purchase_time, expiry_time = excluded.expiry_time,
			status = excluded.status, updated_at = now()
	`, p.UserAddress.Hex(), idx, premium, coverage, p.PurchaseTime.UTC(), p.ExpiryTime.UTC(), p.Status)
	return err
}

func (s *Store) SetPolicyStatus(ctx context.Context, user common.Address, index uint64, status string) error {
	idx, err := toInt64(index)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update policies set status=$3, updated_at=now()
		where user_address=$1 and policy_index=$2
	`, user.Hex(), idx, status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const policyColumns = `user_address, policy_index, premium, coverage_amount, purchase_time, expiry_time, status, updated_at`

func (s *Store) PoliciesForUser(ctx context.Context, user common.Address) ([]store.PolicyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+policyColumns+`
		from policies where user_address=$1
		order by policy_index desc
	`, user.Hex())
	if err != nil {
		return nil, err
	}
	return scanPolicies(rows)
}

func (s *Store) ActivePolicies(ctx context.Context, now time.Time) ([]store.PolicyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+policyColumns+`
		from policies where status='active' and expiry_time >= $1
		order by purchase_time asc, policy_index asc
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	return scanPolicies(rows)
}

func scanPolicies(rows *sql.Rows) ([]store.PolicyRow, error) {
	defer rows.Close()
	var out []store.PolicyRow
	for rows.Next() {
		var (
			p                      store.PolicyRow
			user                   string
			idx, premium, coverage int64
		)
		if err := rows.Scan(&user, &idx, &premium, &coverage, &p.PurchaseTime, &p.ExpiryTime, &p.Status, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.UserAddress = common.HexToAddress(user)
		p.PolicyIndex = uint64(idx)
		p.Premium = uint64(premium)
		p.CoverageAmount = uint64(coverage)
		p.PurchaseTime = p.PurchaseTime.UTC()
		p.ExpiryTime = p.ExpiryTime.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PolicyUsers(ctx context.Context) ([]common.Address, error) {
	rows, err := s.db.QueryContext(ctx, `select distinct user_address from policies order by user_address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []common.Address
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		out = append(out, common.HexToAddress(user))
	}
	return out, rows.Err()
}

func (s *Store) InsertPayout(ctx context.Context, p store.Payout) error {
	idx, err := toInt64(p.PolicyIndex)
	if err != nil {
		return err
	}
	amount, err := toInt64(p.Amount)
	if err != nil {
		return err
	}
	if p.ExecutedAt.IsZero() {
		p.ExecutedAt = time.Now().UTC()
	}
	var spikeID sql.NullInt64
	if p.SpikeID != 0 {
		spikeID = sql.NullInt64{Int64: p.SpikeID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		insert into payouts(id, user_address, policy_index, amount, spike_id, evidence, executed_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (id) do nothing
	`, p.ID, p.UserAddress.Hex(), idx, amount, spikeID, p.Evidence, p.ExecutedAt.UTC())
	return err
}

func (s *Store) RecentPayouts(ctx context.Context, limit int, user *common.Address) ([]store.Payout, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	var (
		rows *sql.Rows
		err  error
	)
	if user != nil {
		rows, err = s.db.QueryContext(ctx, `
			select id, user_address, policy_index, amount, spike_id, evidence, executed_at
			from payouts where user_address=$1
			order by executed_at desc, id desc limit $2
		`, user.Hex(), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			select id, user_address, policy_index, amount, spike_id, evidence, executed_at
			from payouts
			order by executed_at desc, id desc limit $1
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Payout
	for rows.Next() {
		var (
			p           store.Payout
			addr        string
			idx, amount int64
			spikeID     sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &addr, &idx, &amount, &spikeID, &p.Evidence, &p.ExecutedAt); err != nil {
			return nil, err
		}
		p.UserAddress = common.HexToAddress(addr)
		p.PolicyIndex = uint64(idx)
		p.Amount = uint64(amount)
		if spikeID.Valid {
			p.SpikeID = spikeID.Int64
		}
		p.ExecutedAt = p.ExecutedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertBalance(ctx context.Context, b store.Balance) error {
	bal, err := toInt64(b.Balance)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into balances(token_address, user_address, balance, last_updated)
		values ($1,$2,$3, now())
		on conflict (token_address, user_address) do update
		set balance = excluded.balance, last_updated = now()
	`, b.TokenAddress.Hex(), b.UserAddress.Hex(), bal)
	return err
}

func (s *Store) Balance(ctx context.Context, token, user common.Address) (store.Balance, error) {
	var (
		bal     int64
		updated time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		select balance, last_updated from balances
		where token_address=$1 and user_address=$2
	`, token.Hex(), user.Hex()).Scan(&bal, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Balance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Balance{}, err
	}
	return store.Balance{TokenAddress: token, UserAddress: user, Balance: uint64(bal), LastUpdated: updated.UTC()}, nil
}

func (s *Store) Balances(ctx context.Context) ([]store.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		select token_address, user_address, balance, last_updated
		from balances order by last_updated desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Balance
	for rows.Next() {
		var (
			b           store.Balance
			token, user string
			bal         int64
		)
		if err := rows.Scan(&token, &user, &bal, &b.LastUpdated); err != nil {
			return nil, err
		}
		b.TokenAddress = common.HexToAddress(token)
		b.UserAddress = common.HexToAddress(user)
		b.Balance = uint64(bal)
		b.LastUpdated = b.LastUpdated.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context, now time.Time) (store.Stats, error) {
	var st store.Stats
	err := s.db.QueryRowContext(ctx, `
		select
			(select count(*) from spikes),
			(select count(*) from payouts),
			(select count(*) from policies),
			(select count(*) from policies where status='active' and expiry_time >= $1),
			(select count(*) from prices)
	`, now.UTC()).Scan(&st.TotalSpikes, &st.TotalPayouts, &st.TotalPolicies, &st.ActivePolicies, &st.TotalPrices)
	return st, err
}

// SaveStates upserts docs in one transaction. The guard row is read with
// for update so concurrent guarded batches serialize on it.
func (s *Store) SaveStates(ctx context.Context, docs map[string][]byte, guard *store.StateGuard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if guard != nil && guard.Check != nil {
		var current []byte
		var v string
		err := tx.QueryRowContext(ctx, `select value::text from contract_state where key=$1 for update`, guard.Key).Scan(&v)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			current = []byte(v)
		}
		if err := guard.Check(current); err != nil {
			return err
		}
	}

	for _, key := range store.SortedKeys(docs) {
		if _, err := tx.ExecContext(ctx, `
			insert into contract_state(key, value, updated_at)
			values ($1, $2::jsonb, now())
			on conflict (key) do update
			set value = excluded.value, updated_at = now()
		`, key, string(docs[key])); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// DeploymentLockKey is the advisory lock held by whoever owns the stored
// contract state: the running service, or spikectl while it deploys or
// upgrades.
const DeploymentLockKey int64 = 0x5350494b45 // "SPIKE"

// TryLock takes a session-level advisory lock on a dedicated connection.
// It returns store.ErrLocked when another session holds it. The returned
// release func unlocks and returns the connection to the pool.
func (s *Store) TryLock(ctx context.Context, key int64) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `select pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ok {
		_ = conn.Close()
		return nil, store.ErrLocked
	}
	return func() {
		_, _ = conn.ExecContext(context.Background(), `select pg_advisory_unlock($1)`, key)
		_ = conn.Close()
	}, nil
}

func (s *Store) LoadState(ctx context.Context, key string) ([]byte, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `select value::text from contract_state where key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds bigint range", v)
	}
	return int64(v), nil
}
