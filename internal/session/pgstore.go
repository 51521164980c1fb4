package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/erans/lunaroute/internal/core"
)

var postgresMigrations = []Migration{
	{Version: 1, SQL: `
		CREATE TABLE IF NOT EXISTS events (
			seq BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL,
			request_id TEXT,
			kind TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_session ON events(tenant_id, session_id);

		CREATE TABLE IF NOT EXISTS sessions (
			tenant_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL,
			model_requested TEXT,
			provider TEXT,
			listener TEXT,
			metadata JSONB,
			started_at TIMESTAMPTZ,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			finish_reason TEXT,
			final_stats JSONB,
			completed_at TIMESTAMPTZ,
			cumulative_tokens JSONB,
			cumulative_tool_calls INTEGER NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, session_id)
		);
	`},
}

// PostgresStore is the networked-SQL session store (spec §4.S2 "SQL
// back-ends"), grounded in tas-agent-builder's scripts/create_tables.go
// (raw database/sql + lib/pq, JSONB columns, a tenant_id column on every
// multi-tenant table). Change notification is delegated to an optional
// RedisNotifier per spec §4.S2's pub/sub design; without one, WatchChanges
// reports ErrWatchUnsupported.
type PostgresStore struct {
	db       *sql.DB
	mode     core.Mode
	notifier *RedisNotifier
}

func NewPostgresStore(dsn string, mode core.Mode, notifier *RedisNotifier) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &DatabaseError{Msg: "opening postgres connection", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &DatabaseError{Msg: "pinging postgres", Err: err}
	}

	placeholder := func(n int) string { return "$" + strconv.Itoa(n) }
	if err := applyMigrations(db, postgresMigrations, placeholder); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, mode: mode, notifier: notifier}, nil
}

func (s *PostgresStore) tenantKey(tenant *core.TenantId) (string, error) {
	t, err := core.RequireTenant(s.mode, tenant)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", nil
	}
	return t.String(), nil
}

func (s *PostgresStore) WriteEvent(ctx context.Context, tenant *core.TenantId, ev Event) error {
	tenantKey, err := s.tenantKey(tenant)
	if err != nil {
		return err
	}
	sessionID := ev.Meta().SessionID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &DatabaseError{Msg: "beginning write transaction", Err: err}
	}
	defer tx.Rollback()

	raw, err := encodeEvent(ev)
	if err != nil {
		return &DatabaseError{Msg: "encoding event", Err: err}
	}
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return &DatabaseError{Msg: "decoding event envelope", Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (tenant_id, session_id, request_id, kind, timestamp, data) VALUES ($1, $2, $3, $4, $5, $6)`,
		tenantKey, sessionID, ev.Meta().RequestID, w.Kind, ev.Meta().Timestamp, raw,
	); err != nil {
		return &DatabaseError{Msg: "inserting event", Err: err}
	}

	row, version, err := s.loadRowTx(ctx, tx, tenantKey, sessionID)
	if err != nil {
		return err
	}
	if row == nil {
		row = &Row{TenantID: tenantKey, SessionID: sessionID}
	}
	projectEvent(row, ev)
	version++

	if err := s.upsertRowTx(ctx, tx, row, version); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &DatabaseError{Msg: "committing write", Err: err}
	}

	if s.notifier != nil {
		change := ConfigChange{TenantID: tenantKey, Version: version, Timestamp: ev.Meta().Timestamp}
		if pubErr := s.notifier.Publish(ctx, change); pubErr != nil {
			// At-least-once delivery is best-effort: a failed publish doesn't
			// undo the already-committed write (spec §4.S2 tolerates missed
			// notifications).
			return nil
		}
	}
	return nil
}

func (s *PostgresStore) loadRowTx(ctx context.Context, tx *sql.Tx, tenantKey, sessionID string) (*Row, int64, error) {
	var row Row
	var metadataJSON, tokensJSON, statsJSON sql.NullString
	var completedAt sql.NullTime
	var finishReason sql.NullString
	var version int64

	err := tx.QueryRowContext(ctx, `
		SELECT model_requested, provider, listener, metadata, started_at, success,
		       finish_reason, final_stats, completed_at, cumulative_tokens, cumulative_tool_calls, version
		FROM sessions WHERE tenant_id = $1 AND session_id = $2`, tenantKey, sessionID,
	).Scan(&row.ModelRequested, &row.Provider, &row.Listener, &metadataJSON, &row.StartedAt,
		&row.Success, &finishReason, &statsJSON, &completedAt, &tokensJSON, &row.CumulativeToolCalls, &version)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, &DatabaseError{Msg: "loading session row", Err: err}
	}

	row.TenantID = tenantKey
	row.SessionID = sessionID
	row.FinishReason = finishReason.String
	if metadataJSON.Valid {
		_ = json.Unmarshal([]byte(metadataJSON.String), &row.Metadata)
	}
	if tokensJSON.Valid {
		_ = json.Unmarshal([]byte(tokensJSON.String), &row.CumulativeTokens)
	}
	if statsJSON.Valid {
		_ = json.Unmarshal([]byte(statsJSON.String), &row.FinalStats)
	}
	if completedAt.Valid {
		t := completedAt.Time
		row.CompletedAt = &t
	}
	return &row, version, nil
}

func (s *PostgresStore) upsertRowTx(ctx context.Context, tx *sql.Tx, row *Row, version int64) error {
	metadataJSON, _ := json.Marshal(row.Metadata)
	tokensJSON, _ := json.Marshal(row.CumulativeTokens)
	statsJSON, _ := json.Marshal(row.FinalStats)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (
			tenant_id, session_id, model_requested, provider, listener, metadata,
			started_at, success, finish_reason, final_stats, completed_at,
			cumulative_tokens, cumulative_tool_calls, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tenant_id, session_id) DO UPDATE SET
			model_requested = excluded.model_requested,
			provider = excluded.provider,
			listener = excluded.listener,
			metadata = excluded.metadata,
			started_at = excluded.started_at,
			success = excluded.success,
			finish_reason = excluded.finish_reason,
			final_stats = excluded.final_stats,
			completed_at = excluded.completed_at,
			cumulative_tokens = excluded.cumulative_tokens,
			cumulative_tool_calls = excluded.cumulative_tool_calls,
			version = excluded.version`,
		row.TenantID, row.SessionID, row.ModelRequested, row.Provider, row.Listener, string(metadataJSON),
		row.StartedAt, row.Success, row.FinishReason, string(statsJSON), row.CompletedAt,
		string(tokensJSON), row.CumulativeToolCalls, version,
	)
	if err != nil {
		return &DatabaseError{Msg: "upserting session row", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, tenant *core.TenantId, sessionID string) (Row, error) {
	tenantKey, err := s.tenantKey(tenant)
	if err != nil {
		return Row{}, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Row{}, &DatabaseError{Msg: "beginning read", Err: err}
	}
	defer tx.Rollback()

	row, _, err := s.loadRowTx(ctx, tx, tenantKey, sessionID)
	if err != nil {
		return Row{}, err
	}
	if row == nil {
		return Row{}, ErrSessionNotFound
	}
	return *row, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, tenant *core.TenantId, limit, offset int) ([]Row, error) {
	tenantKey, err := s.tenantKey(tenant)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM sessions WHERE tenant_id = $1
		ORDER BY started_at DESC LIMIT $2 OFFSET $3`, tenantKey, limit, offset)
	if err != nil {
		return nil, &DatabaseError{Msg: "listing sessions", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &DatabaseError{Msg: "scanning session id", Err: err}
		}
		ids = append(ids, id)
	}

	var out []Row
	for _, id := range ids {
		row, err := s.GetSession(ctx, tenant, id)
		if err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *PostgresStore) Search(ctx context.Context, tenant *core.TenantId, query SearchQuery) (SearchResult, error) {
	tenantKey, err := s.tenantKey(tenant)
	if err != nil {
		return SearchResult{}, err
	}

	sqlQuery := `SELECT session_id FROM sessions WHERE tenant_id = $1`
	args := []any{tenantKey}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if query.Provider != "" {
		sqlQuery += ` AND provider = ` + arg(query.Provider)
	}
	if query.Model != "" {
		sqlQuery += ` AND model_requested = ` + arg(query.Model)
	}
	if query.SuccessOnly != nil {
		sqlQuery += ` AND success = ` + arg(*query.SuccessOnly)
	}
	if query.Since != nil {
		sqlQuery += ` AND started_at >= ` + arg(*query.Since)
	}
	if query.Until != nil {
		sqlQuery += ` AND started_at <= ` + arg(*query.Until)
	}
	sqlQuery += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return SearchResult{}, &DatabaseError{Msg: "searching sessions", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return SearchResult{}, &DatabaseError{Msg: "scanning search result", Err: err}
		}
		ids = append(ids, id)
	}

	total := len(ids)
	limit := query.Limit
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	var items []Row
	for _, id := range ids[:limit] {
		row, err := s.GetSession(ctx, tenant, id)
		if err != nil {
			continue
		}
		items = append(items, row)
	}
	return SearchResult{Items: items, Total: total}, nil
}

func (s *PostgresStore) Flush(ctx context.Context) error { return nil }

// WatchChanges subscribes to this store's RedisNotifier, scoped to tenant
// (a nil tenant receives every tenant's changes). Returns ErrWatchUnsupported
// if the store was constructed without a notifier.
func (s *PostgresStore) WatchChanges(ctx context.Context, tenant *core.TenantId) (<-chan ConfigChange, error) {
	if s.notifier == nil {
		return nil, ErrWatchUnsupported
	}
	tenantKey, err := s.tenantKey(tenant)
	if err != nil {
		return nil, err
	}
	return s.notifier.Subscribe(ctx, tenantKey)
}

func (s *PostgresStore) Close() error { return s.db.Close() }
