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

	"pricewatch/internal/rules"
	"pricewatch/internal/watchlist"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertWatchItemSQL = `INSERT INTO watch_items (
        sku,
        canal,
        rol,
        url,
        competitor_name,
        frecuencia_minutos,
        umbral_gap,
        activo,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,now()
    )
    ON CONFLICT (sku, canal, rol, competitor_name) DO UPDATE
    SET
        url                = EXCLUDED.url,
        frecuencia_minutos = EXCLUDED.frecuencia_minutos,
        umbral_gap         = EXCLUDED.umbral_gap,
        activo             = EXCLUDED.activo,
        updated_at         = now();`

	listActiveWatchItemsSQL = `SELECT
        id, sku, canal, rol, url, competitor_name, frecuencia_minutos, umbral_gap, activo, updated_at
    FROM watch_items
    WHERE activo
    ORDER BY canal, sku, rol, competitor_name;`

	listDueWatchItemsSQL = `SELECT
        w.id, w.sku, w.canal, w.rol, w.url, w.competitor_name,
        w.frecuencia_minutos, w.umbral_gap, w.activo, w.updated_at
    FROM watch_items w
    LEFT JOIN LATERAL (
        SELECT max(o.observed_at) AS last_observed
        FROM observations o
        WHERE o.sku = w.sku
          AND o.canal = w.canal
          AND o.rol = w.rol
          AND o.competitor_name = w.competitor_name
    ) recent ON TRUE
    WHERE w.activo
      AND (recent.last_observed IS NULL
           OR recent.last_observed <= $1::timestamptz - make_interval(mins => w.frecuencia_minutos))
    ORDER BY w.canal, w.sku, w.rol, w.competitor_name;`

	insertObservationSQL = `INSERT INTO observations (
        run_id, sku, canal, rol, competitor_name, price, status, attempts, error, observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	insertVerdictSQL = `INSERT INTO gap_verdicts (
        run_id, sku, canal, competitor_name, own_price, competitor_price, gap_ratio, umbral, exceeds, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	listVerdictsBetweenSQL = `SELECT
        id, run_id, sku, canal, competitor_name, own_price, competitor_price, gap_ratio, umbral, exceeds, created_at
    FROM gap_verdicts
    WHERE created_at >= $1
      AND created_at < $2
      AND ($3 = '' OR sku = $3)
      AND ($4 = '' OR canal = $4)
    ORDER BY created_at;`

	openAlertsSQL = `SELECT
        id, sku, canal, competitor_name, own_price, competitor_price, gap_ratio, umbral,
        severity, state, first_seen_at, last_seen_at, resolved_at, run_id, url_own, url_competitor
    FROM alerts
    WHERE state = 'open'
    ORDER BY canal, sku, competitor_name;`

	insertAlertSQL = `INSERT INTO alerts (
        sku, canal, competitor_name, own_price, competitor_price, gap_ratio, umbral,
        severity, state, first_seen_at, last_seen_at, run_id, url_own, url_competitor
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    RETURNING id;`

	refreshAlertSQL = `UPDATE alerts
    SET own_price        = $2,
        competitor_price = $3,
        gap_ratio        = $4,
        umbral           = $5,
        severity         = $6,
        last_seen_at     = $7,
        run_id           = $8,
        url_own          = $9,
        url_competitor   = $10
    WHERE id = $1 AND state = 'open';`

	resolveAlertSQL = `UPDATE alerts
    SET state            = 'resolved',
        own_price        = $2,
        competitor_price = $3,
        gap_ratio        = $4,
        last_seen_at     = $5,
        resolved_at      = $5,
        run_id           = $6
    WHERE id = $1 AND state = 'open';`

	listRecentAlertsSQL = `SELECT
        id, sku, canal, competitor_name, own_price, competitor_price, gap_ratio, umbral,
        severity, state, first_seen_at, last_seen_at, resolved_at, run_id, url_own, url_competitor
    FROM alerts
    WHERE ($2 = FALSE OR state = 'open')
    ORDER BY last_seen_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// WatchItemStore defines operations on the persisted watchlist.
type WatchItemStore interface {
	UpsertWatchItems(ctx context.Context, items []WatchItem) (int, error)
	ListActiveWatchItems(ctx context.Context) ([]WatchItem, error)
	ListDueWatchItems(ctx context.Context, now time.Time) ([]WatchItem, error)
}

// ObservationStore persists the terminal fetch results of a run.
type ObservationStore interface {
	InsertObservations(ctx context.Context, runID string, observations []watchlist.Observation) error
}

// VerdictStore persists gap computations for the exported history.
type VerdictStore interface {
	InsertVerdicts(ctx context.Context, runID string, verdicts []rules.Verdict) error
	ListVerdictsBetween(ctx context.Context, from, to time.Time, sku, channel string) ([]VerdictRow, error)
}

// AlertStore is the cross-run alert state plus operator listings.
// It satisfies rules.History.
type AlertStore interface {
	rules.History
	ListRecentAlerts(ctx context.Context, limit int, openOnly bool) ([]rules.Alert, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to watch items, observations, verdicts, and alerts.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ WatchItemStore   = (*Store)(nil)
	_ ObservationStore = (*Store)(nil)
	_ VerdictStore     = (*Store)(nil)
	_ AlertStore       = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)

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
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
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

// UpsertWatchItems writes the given rows, inserting or refreshing by
// identity. Returns the number of rows written.
func (s *Store) UpsertWatchItems(ctx context.Context, items []WatchItem) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin watch item upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	written := 0
	for _, item := range items {
		if _, err := tx.Exec(ctx, upsertWatchItemSQL,
			item.SKU,
			item.Channel,
			item.Role,
			item.URL,
			item.CompetitorName,
			item.FrequencyMinutes,
			item.GapThreshold.String(),
			item.Active,
		); err != nil {
			return 0, fmt.Errorf("upsert watch item %s/%s: %w", item.SKU, item.Channel, err)
		}
		written++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit watch item upsert: %w", err)
	}
	return written, nil
}

// ListActiveWatchItems returns every active row regardless of frequency.
func (s *Store) ListActiveWatchItems(ctx context.Context) ([]WatchItem, error) {
	return s.queryWatchItems(ctx, listActiveWatchItemsSQL)
}

// ListDueWatchItems returns the active rows whose frequency window has
// elapsed since their last observation.
func (s *Store) ListDueWatchItems(ctx context.Context, now time.Time) ([]WatchItem, error) {
	return s.queryWatchItems(ctx, listDueWatchItemsSQL, now)
}

func (s *Store) queryWatchItems(ctx context.Context, query string, args ...any) ([]WatchItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list watch items: %w", queryErr)
	}
	defer rows.Close()

	items := make([]WatchItem, 0)
	for rows.Next() {
		var (
			item         WatchItem
			thresholdStr string
		)
		if err := rows.Scan(
			&item.ID,
			&item.SKU,
			&item.Channel,
			&item.Role,
			&item.URL,
			&item.CompetitorName,
			&item.FrequencyMinutes,
			&thresholdStr,
			&item.Active,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		item.GapThreshold, err = decimal.NewFromString(thresholdStr)
		if err != nil {
			return nil, fmt.Errorf("parse umbral_gap: %w", err)
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

// InsertObservations records the terminal results of a run.
func (s *Store) InsertObservations(ctx context.Context, runID string, observations []watchlist.Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin observation insert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, obs := range observations {
		var price interface{}
		if obs.OK() {
			price = obs.Price.String()
		}
		var errMsg interface{}
		if obs.Error != "" {
			errMsg = obs.Error
		}
		if _, err := tx.Exec(ctx, insertObservationSQL,
			runID,
			obs.Entry.SKU,
			obs.Entry.Channel,
			string(obs.Entry.Role),
			obs.Entry.CompetitorName,
			price,
			string(obs.Status),
			obs.Attempts,
			errMsg,
			obs.ObservedAt,
		); err != nil {
			return fmt.Errorf("insert observation %s: %w", obs.Entry, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit observation insert: %w", err)
	}
	return nil
}

// InsertVerdicts records the gap computations of a run.
func (s *Store) InsertVerdicts(ctx context.Context, runID string, verdicts []rules.Verdict) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin verdict insert: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, v := range verdicts {
		createdAt := v.ObservedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.Exec(ctx, insertVerdictSQL,
			runID,
			v.SKU,
			v.Channel,
			v.CompetitorName,
			v.OwnPrice.String(),
			v.CompetitorPrice.String(),
			v.GapRatio.String(),
			v.Threshold.String(),
			v.Exceeds,
			createdAt,
		); err != nil {
			return fmt.Errorf("insert verdict %s/%s: %w", v.SKU, v.CompetitorName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit verdict insert: %w", err)
	}
	return nil
}

// ListVerdictsBetween returns verdicts within a time window, optionally
// filtered by sku and channel (empty string matches all).
func (s *Store) ListVerdictsBetween(ctx context.Context, from, to time.Time, sku, channel string) ([]VerdictRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listVerdictsBetweenSQL, from, to, sku, channel)
	if queryErr != nil {
		return nil, fmt.Errorf("list verdicts between: %w", queryErr)
	}
	defer rows.Close()

	out := make([]VerdictRow, 0)
	for rows.Next() {
		var (
			row       VerdictRow
			ownStr    string
			compStr   string
			gapStr    string
			threshStr string
		)
		if err := rows.Scan(
			&row.ID,
			&row.RunID,
			&row.SKU,
			&row.Channel,
			&row.CompetitorName,
			&ownStr,
			&compStr,
			&gapStr,
			&threshStr,
			&row.Exceeds,
			&row.CreatedAt,
		); err != nil {
			return nil, err
		}
		if row.OwnPrice, err = decimal.NewFromString(ownStr); err != nil {
			return nil, fmt.Errorf("parse own_price: %w", err)
		}
		if row.CompetitorPrice, err = decimal.NewFromString(compStr); err != nil {
			return nil, fmt.Errorf("parse competitor_price: %w", err)
		}
		if row.GapRatio, err = decimal.NewFromString(gapStr); err != nil {
			return nil, fmt.Errorf("parse gap_ratio: %w", err)
		}
		if row.Threshold, err = decimal.NewFromString(threshStr); err != nil {
			return nil, fmt.Errorf("parse umbral: %w", err)
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// OpenAlerts returns the open alert set the engine deduplicates against.
func (s *Store) OpenAlerts(ctx context.Context) ([]rules.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, openAlertsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list open alerts: %w", queryErr)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// ApplyOutcome persists one evaluation's transitions atomically.
func (s *Store) ApplyOutcome(ctx context.Context, outcome rules.Outcome) error {
	if outcome.Empty() {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin alert outcome: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, alert := range outcome.Opened {
		var id int64
		if err := tx.QueryRow(ctx, insertAlertSQL,
			alert.SKU,
			alert.Channel,
			alert.CompetitorName,
			alert.OwnPrice.String(),
			alert.CompetitorPrice.String(),
			alert.GapRatio.String(),
			alert.Threshold.String(),
			alert.Severity,
			string(alert.State),
			alert.FirstSeenAt,
			alert.LastSeenAt,
			alert.RunID,
			alert.OwnURL,
			alert.CompetitorURL,
		).Scan(&id); err != nil {
			return fmt.Errorf("insert alert %s/%s: %w", alert.SKU, alert.CompetitorName, err)
		}
	}

	for _, alert := range outcome.Refreshed {
		if _, err := tx.Exec(ctx, refreshAlertSQL,
			alert.ID,
			alert.OwnPrice.String(),
			alert.CompetitorPrice.String(),
			alert.GapRatio.String(),
			alert.Threshold.String(),
			alert.Severity,
			alert.LastSeenAt,
			alert.RunID,
			alert.OwnURL,
			alert.CompetitorURL,
		); err != nil {
			return fmt.Errorf("refresh alert %d: %w", alert.ID, err)
		}
	}

	for _, alert := range outcome.Resolved {
		resolvedAt := alert.LastSeenAt
		if alert.ResolvedAt != nil {
			resolvedAt = *alert.ResolvedAt
		}
		if _, err := tx.Exec(ctx, resolveAlertSQL,
			alert.ID,
			alert.OwnPrice.String(),
			alert.CompetitorPrice.String(),
			alert.GapRatio.String(),
			resolvedAt,
			alert.RunID,
		); err != nil {
			return fmt.Errorf("resolve alert %d: %w", alert.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit alert outcome: %w", err)
	}
	return nil
}

// ListRecentAlerts lists alerts by recency, optionally only open ones.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int, openOnly bool) ([]rules.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit, openOnly)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

func scanAlerts(rows pgx.Rows) ([]rules.Alert, error) {
	alerts := make([]rules.Alert, 0)
	for rows.Next() {
		var (
			alert      rules.Alert
			ownStr     sql.NullString
			compStr    sql.NullString
			gapStr     string
			threshStr  string
			state      string
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(
			&alert.ID,
			&alert.SKU,
			&alert.Channel,
			&alert.CompetitorName,
			&ownStr,
			&compStr,
			&gapStr,
			&threshStr,
			&alert.Severity,
			&state,
			&alert.FirstSeenAt,
			&alert.LastSeenAt,
			&resolvedAt,
			&alert.RunID,
			&alert.OwnURL,
			&alert.CompetitorURL,
		); err != nil {
			return nil, err
		}

		var convErr error
		if ownStr.Valid {
			if alert.OwnPrice, convErr = decimal.NewFromString(ownStr.String); convErr != nil {
				return nil, fmt.Errorf("parse own_price: %w", convErr)
			}
		}
		if compStr.Valid {
			if alert.CompetitorPrice, convErr = decimal.NewFromString(compStr.String); convErr != nil {
				return nil, fmt.Errorf("parse competitor_price: %w", convErr)
			}
		}
		if alert.GapRatio, convErr = decimal.NewFromString(gapStr); convErr != nil {
			return nil, fmt.Errorf("parse gap_ratio: %w", convErr)
		}
		if alert.Threshold, convErr = decimal.NewFromString(threshStr); convErr != nil {
			return nil, fmt.Errorf("parse umbral: %w", convErr)
		}
		alert.State = rules.State(state)
		if resolvedAt.Valid {
			value := resolvedAt.Time
			alert.ResolvedAt = &value
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}
