package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS market_snapshots (
        code       TEXT        NOT NULL,
        ts         TIMESTAMPTZ NOT NULL,
        price      NUMERIC     NOT NULL,
        change_pct NUMERIC     NOT NULL DEFAULT 0,
        volume     NUMERIC     NOT NULL DEFAULT 0,
        turnover   NUMERIC     NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (code, ts)
    );
    CREATE TABLE IF NOT EXISTS alert_events (
        id            BIGSERIAL PRIMARY KEY,
        code          TEXT        NOT NULL,
        rule          TEXT        NOT NULL,
        fired_at      TIMESTAMPTZ NOT NULL,
        price         NUMERIC     NOT NULL,
        velocity_pct  NUMERIC,
        volume_ratio  NUMERIC,
        sentiment_pct NUMERIC     NOT NULL DEFAULT 0,
        reason        TEXT        NOT NULL DEFAULT '',
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS idx_alert_events_code_rule
        ON alert_events (code, rule, fired_at DESC);`

	upsertSnapshotSQL = `INSERT INTO market_snapshots (
        code, ts, price, change_pct, volume, turnover
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (code, ts) DO UPDATE
    SET
        price      = EXCLUDED.price,
        change_pct = EXCLUDED.change_pct,
        volume     = EXCLUDED.volume,
        turnover   = EXCLUDED.turnover;`

	rangeSnapshotsSQL = `SELECT
        code, ts, price, change_pct, volume, turnover, created_at
    FROM market_snapshots
    WHERE code = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	latestSnapshotSQL = `SELECT
        code, ts, price, change_pct, volume, turnover, created_at
    FROM market_snapshots
    WHERE code = $1
    ORDER BY ts DESC
    LIMIT 1;`

	listRecentSnapshotsSQL = `SELECT
        code, ts, price, change_pct, volume, turnover, created_at
    FROM market_snapshots
    WHERE code = $1
    ORDER BY ts DESC
    LIMIT $2;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM market_snapshots;`

	pruneSnapshotsSQL = `DELETE FROM market_snapshots WHERE ts < $1;`

	insertAlertEventSQL = `INSERT INTO alert_events (
        code, rule, fired_at, price, velocity_pct, volume_ratio, sentiment_pct, reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, created_at;`

	lastFiredSQL = `SELECT code, rule, MAX(fired_at)
    FROM alert_events
    GROUP BY code, rule;`

	listRecentAlertsSQL = `SELECT
        id, code, rule, fired_at, price, velocity_pct, volume_ratio, sentiment_pct, reason, created_at
    FROM alert_events
    ORDER BY fired_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore defines operations for snapshot persistence.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snap Snapshot) error
	Range(ctx context.Context, code string, from, to time.Time) ([]Snapshot, error)
	Latest(ctx context.Context, code string) (Snapshot, bool, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertLedger defines the durable cooldown/audit ledger.
type AlertLedger interface {
	InsertAlertEvent(ctx context.Context, event AlertEvent) (AlertEvent, error)
	LastFiredTimes(ctx context.Context) ([]LastFired, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to snapshots and alert events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates tables and indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, createSchemaSQL); execErr != nil {
		return fmt.Errorf("ensure schema: %w", execErr)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertSnapshot persists one snapshot; a retransmitted (code, ts) key
// replaces the earlier row (last writer wins).
func (s *Store) UpsertSnapshot(ctx context.Context, snap Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snap.Code,
		snap.TS,
		snap.Price.String(),
		snap.ChangePct.String(),
		snap.Volume.String(),
		snap.Turnover.String(),
	)
	if execErr != nil {
		return fmt.Errorf("upsert snapshot: %w", execErr)
	}
	return nil
}

// Range lists snapshots within the half-open interval [from, to) in
// ascending timestamp order. No history in range yields an empty slice.
func (s *Store) Range(ctx context.Context, code string, from, to time.Time) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, rangeSnapshotsSQL, code, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("range snapshots: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]Snapshot, 0)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// Latest returns the most recent snapshot for an instrument, if any.
func (s *Store) Latest(ctx context.Context, code string) (Snapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Snapshot{}, false, err
	}

	rows, queryErr := pool.Query(ctx, latestSnapshotSQL, code)
	if queryErr != nil {
		return Snapshot{}, false, fmt.Errorf("latest snapshot: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return Snapshot{}, false, rows.Err()
		}
		return Snapshot{}, false, nil
	}
	snap, scanErr := scanSnapshot(rows)
	if scanErr != nil {
		return Snapshot{}, false, scanErr
	}
	return snap, true, nil
}

// ListRecentSnapshots lists the most recent snapshots for an instrument.
func (s *Store) ListRecentSnapshots(ctx context.Context, code string, limit int) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, code, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]Snapshot, 0, limit)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// CountSnapshots counts stored snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// Prune deletes snapshots older than the horizon. Best effort; the caller is
// responsible for never passing a horizon a configured window still needs.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, pruneSnapshotsSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("prune snapshots: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertAlertEvent persists one fired alert into the cooldown ledger.
func (s *Store) InsertAlertEvent(ctx context.Context, event AlertEvent) (AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertEvent{}, err
	}

	var velocity, ratio interface{}
	if event.VelocityPct != nil {
		velocity = event.VelocityPct.String()
	}
	if event.VolumeRatio != nil {
		ratio = event.VolumeRatio.String()
	}

	row := pool.QueryRow(ctx, insertAlertEventSQL,
		event.Code,
		event.Rule,
		event.FiredAt,
		event.Price.String(),
		velocity,
		ratio,
		event.SentimentPct.String(),
		event.Reason,
	)

	rec := event
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertEvent{}, fmt.Errorf("insert alert event: %w", scanErr)
	}
	return rec, nil
}

// LastFiredTimes returns the most recent firing per (code, rule) pair,
// used to rehydrate cooldown state after a restart.
func (s *Store) LastFiredTimes(ctx context.Context) ([]LastFired, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, lastFiredSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("last fired times: %w", queryErr)
	}
	defer rows.Close()

	fired := make([]LastFired, 0)
	for rows.Next() {
		var lf LastFired
		if err := rows.Scan(&lf.Code, &lf.Rule, &lf.FiredAt); err != nil {
			return nil, err
		}
		fired = append(fired, lf)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return fired, nil
}

// ListRecentAlerts lists the most recent alert events.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertEvent, 0, limit)
	for rows.Next() {
		var (
			rec          AlertEvent
			priceStr     string
			velocityStr  sql.NullString
			ratioStr     sql.NullString
			sentimentStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Code,
			&rec.Rule,
			&rec.FiredAt,
			&priceStr,
			&velocityStr,
			&ratioStr,
			&sentimentStr,
			&rec.Reason,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.Price, convErr = decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert price: %w", convErr)
		}
		rec.SentimentPct, convErr = decimal.NewFromString(sentimentStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert sentiment: %w", convErr)
		}
		if velocityStr.Valid {
			value, convErr := decimal.NewFromString(velocityStr.String)
			if convErr != nil {
				return nil, fmt.Errorf("parse alert velocity: %w", convErr)
			}
			rec.VelocityPct = &value
		}
		if ratioStr.Valid {
			value, convErr := decimal.NewFromString(ratioStr.String)
			if convErr != nil {
				return nil, fmt.Errorf("parse alert volume ratio: %w", convErr)
			}
			rec.VolumeRatio = &value
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanSnapshot(rows pgx.Rows) (Snapshot, error) {
	var (
		code        string
		ts          time.Time
		priceStr    string
		changeStr   string
		volumeStr   string
		turnoverStr string
		createdAt   time.Time
	)

	if err := rows.Scan(&code, &ts, &priceStr, &changeStr, &volumeStr, &turnoverStr, &createdAt); err != nil {
		return Snapshot{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse price: %w", err)
	}
	change, err := decimal.NewFromString(changeStr)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse change pct: %w", err)
	}
	volume, err := decimal.NewFromString(volumeStr)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse volume: %w", err)
	}
	turnover, err := decimal.NewFromString(turnoverStr)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse turnover: %w", err)
	}

	return Snapshot{
		Code:      code,
		TS:        ts,
		Price:     price,
		ChangePct: change,
		Volume:    volume,
		Turnover:  turnover,
		CreatedAt: createdAt,
	}, nil
}
