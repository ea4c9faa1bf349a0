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

	"gasguard/internal/fetcher"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertFeeSampleSQL = `INSERT INTO fee_samples (
        captured_at,
        gwei,
        wei,
        source,
        block_number,
        asset_price,
        congestion,
        fee_usd,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (captured_at) DO UPDATE
    SET
        gwei         = EXCLUDED.gwei,
        wei          = EXCLUDED.wei,
        source       = EXCLUDED.source,
        block_number = EXCLUDED.block_number,
        asset_price  = EXCLUDED.asset_price,
        congestion   = EXCLUDED.congestion,
        fee_usd      = EXCLUDED.fee_usd,
        status       = EXCLUDED.status,
        error        = EXCLUDED.error;`

	sampleColumns = `captured_at,
        gwei,
        wei,
        source,
        block_number,
        asset_price,
        congestion,
        fee_usd,
        status,
        error,
        created_at`

	listSamplesBetweenSQL = `SELECT ` + sampleColumns + `
    FROM fee_samples
    WHERE captured_at >= $1
      AND captured_at <= $2
    ORDER BY captured_at;`

	listRecentSamplesSQL = `SELECT ` + sampleColumns + `
    FROM fee_samples
    ORDER BY captured_at DESC
    LIMIT $1;`

	listHistorySQL = `SELECT captured_at, gwei
    FROM fee_samples
    WHERE captured_at >= $1
      AND captured_at <= $2
      AND status = 'ok'
    ORDER BY captured_at;`

	countSamplesSQL = `SELECT COUNT(*) FROM fee_samples;`

	insertAlertSQL = `INSERT INTO alerts (
        rule,
        sample_ts,
        fee_gwei,
        threshold_gwei,
        direction,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (rule, sample_ts) DO UPDATE
    SET fee_gwei       = EXCLUDED.fee_gwei,
        threshold_gwei = EXCLUDED.threshold_gwei,
        direction      = EXCLUDED.direction,
        channels       = EXCLUDED.channels
    RETURNING id, rule, sample_ts, fee_gwei, threshold_gwei, direction, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        rule,
        sample_ts,
        fee_gwei,
        threshold_gwei,
        direction,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	insertRecommendationSQL = `INSERT INTO recommendations (
        wallet,
        action,
        path,
        fee_gwei,
        savings_usd,
        savings_pct
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	topSaversSQL = `SELECT
        wallet,
        COUNT(*) AS recommendations,
        COALESCE(SUM(savings_usd), 0)::text AS total_savings
    FROM recommendations
    WHERE created_at >= $1
    GROUP BY wallet
    ORDER BY SUM(savings_usd) DESC, wallet
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// FeeSampleStore defines operations for poll persistence.
type FeeSampleStore interface {
	UpsertFeeSample(ctx context.Context, sample FeeSampleRecord) error
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]FeeSampleRecord, error)
	ListRecentSamples(ctx context.Context, limit int) ([]FeeSampleRecord, error)
	CountSamples(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// RecommendationStore records served recommendations for the leaderboard.
type RecommendationStore interface {
	InsertRecommendation(ctx context.Context, rec RecommendationRecord) error
	TopSavers(ctx context.Context, since time.Time, limit int) ([]SaverRow, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to fee samples, alerts and recommendations.
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
		// session locks die with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertFeeSample persists or updates a poll result.
func (s *Store) UpsertFeeSample(ctx context.Context, sample FeeSampleRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var block interface{}
	if sample.BlockNumber != nil {
		block = *sample.BlockNumber
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	_, execErr := pool.Exec(ctx, upsertFeeSampleSQL,
		sample.CapturedAt,
		sample.Gwei.String(),
		sample.Wei.String(),
		sample.Source,
		block,
		sample.AssetPrice.String(),
		sample.Congestion,
		sample.FeeUSD.String(),
		sample.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert fee sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]FeeSampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples, newest first.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]FeeSampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// FetchHistory serves persisted polls as a fetcher.HistorySource.
func (s *Store) FetchHistory(ctx context.Context, from, to time.Time) ([]fetcher.HistoricalPoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHistorySQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list history: %w", queryErr)
	}
	defer rows.Close()

	points := make([]fetcher.HistoricalPoint, 0)
	for rows.Next() {
		var (
			at      time.Time
			gweiStr string
		)
		if err := rows.Scan(&at, &gweiStr); err != nil {
			return nil, err
		}
		gwei, err := decimal.NewFromString(gweiStr)
		if err != nil {
			return nil, fmt.Errorf("parse gwei: %w", err)
		}
		points = append(points, fetcher.HistoricalPoint{CapturedAt: at.UTC(), Gwei: gwei.InexactFloat64()})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Rule,
		alert.SampleTS,
		alert.FeeGwei.String(),
		alert.ThresholdGwei.String(),
		alert.Direction,
		alert.Channels,
	)

	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, max(limit, 0))
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// InsertRecommendation records a served recommendation.
func (s *Store) InsertRecommendation(ctx context.Context, rec RecommendationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertRecommendationSQL,
		rec.Wallet,
		rec.Action,
		rec.Path,
		rec.FeeGwei.String(),
		rec.SavingsUSD.String(),
		rec.SavingsPct.String(),
	)
	if execErr != nil {
		return fmt.Errorf("insert recommendation: %w", execErr)
	}
	return nil
}

// TopSavers ranks wallets by estimated savings since a point in time.
func (s *Store) TopSavers(ctx context.Context, since time.Time, limit int) ([]SaverRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, topSaversSQL, since, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("top savers: %w", queryErr)
	}
	defer rows.Close()

	out := make([]SaverRow, 0, max(limit, 0))
	for rows.Next() {
		var (
			row      SaverRow
			totalStr string
		)
		if err := rows.Scan(&row.Wallet, &row.Recommendations, &totalStr); err != nil {
			return nil, err
		}
		row.TotalSavingsUSD, err = decimal.NewFromString(totalStr)
		if err != nil {
			return nil, fmt.Errorf("parse savings: %w", err)
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]FeeSampleRecord, error) {
	if capacity < 0 {
		capacity = 0
	}
	samples := make([]FeeSampleRecord, 0, capacity)
	for rows.Next() {
		sample, scanErr := scanFeeSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec          AlertRecord
		feeStr       string
		thresholdStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Rule,
		&rec.SampleTS,
		&feeStr,
		&thresholdStr,
		&rec.Direction,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var convErr error
	rec.FeeGwei, convErr = decimal.NewFromString(feeStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse fee gwei: %w", convErr)
	}
	rec.ThresholdGwei, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold gwei: %w", convErr)
	}
	return rec, nil
}

func scanFeeSample(rows pgx.Rows) (FeeSampleRecord, error) {
	var (
		capturedAt time.Time
		gweiStr    string
		weiStr     string
		source     string
		block      sql.NullInt64
		priceStr   string
		congestion int
		feeUSDStr  string
		status     string
		errMsg     sql.NullString
		createdAt  time.Time
	)

	if err := rows.Scan(
		&capturedAt,
		&gweiStr,
		&weiStr,
		&source,
		&block,
		&priceStr,
		&congestion,
		&feeUSDStr,
		&status,
		&errMsg,
		&createdAt,
	); err != nil {
		return FeeSampleRecord{}, err
	}

	gwei, err := decimal.NewFromString(gweiStr)
	if err != nil {
		return FeeSampleRecord{}, fmt.Errorf("parse gwei: %w", err)
	}
	wei, err := decimal.NewFromString(weiStr)
	if err != nil {
		return FeeSampleRecord{}, fmt.Errorf("parse wei: %w", err)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return FeeSampleRecord{}, fmt.Errorf("parse asset price: %w", err)
	}
	feeUSD, err := decimal.NewFromString(feeUSDStr)
	if err != nil {
		return FeeSampleRecord{}, fmt.Errorf("parse fee usd: %w", err)
	}

	sample := FeeSampleRecord{
		CapturedAt: capturedAt,
		Gwei:       gwei,
		Wei:        wei,
		Source:     source,
		AssetPrice: price,
		Congestion: congestion,
		FeeUSD:     feeUSD,
		Status:     status,
		CreatedAt:  createdAt,
	}

	if block.Valid {
		value := block.Int64
		sample.BlockNumber = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}

	return sample, nil
}

var (
	_ FeeSampleStore        = (*Store)(nil)
	_ AlertStore            = (*Store)(nil)
	_ RecommendationStore   = (*Store)(nil)
	_ AdvisoryLocker        = (*Store)(nil)
	_ fetcher.HistorySource = (*Store)(nil)
)
