package session

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"

	"github.com/erans/lunaroute/internal/core"
)

var sqliteMigrations = []Migration{
	{Version: 1, SQL: `
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL,
			request_id TEXT,
			kind TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			data TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_session ON events(tenant_id, session_id);

		CREATE TABLE IF NOT EXISTS sessions (
			tenant_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL,
			model_requested TEXT,
			provider TEXT,
			listener TEXT,
			metadata TEXT,
			started_at DATETIME,
			success INTEGER NOT NULL DEFAULT 0,
			finish_reason TEXT,
			final_stats TEXT,
			completed_at DATETIME,
			cumulative_tokens TEXT,
			cumulative_tool_calls INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, session_id)
		);
	`},
}

// SQLiteStore is the embedded-SQL session store (spec §4.S2 "SQL back-ends"),
// grounded in the teacher-adjacent pack's
// telegram.PersistentSessionManager (mattn/go-sqlite3, an in-memory cache
// fronting a `database/sql` handle, `INSERT ... ON CONFLICT DO UPDATE`
// upserts). Unlike that single-chat-per-row manager, this store is
// multi-tenant and keyed by (tenant_id, session_id). Change notification is
// delegated to an optional RedisNotifier, same as PostgresStore — useful
// when several processes share one SQLite file over a network filesystem.
type SQLiteStore struct {
	db       *sql.DB
	mode     core.Mode
	notifier *RedisNotifier
}

func NewSQLiteStore(path string, mode core.Mode, notifier *RedisNotifier) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &DatabaseError{Msg: "opening sqlite database", Err: err}
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid SQLITE_BUSY storms.

	if err := applyMigrations(db, sqliteMigrations, func(int) string { return "?" }); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, mode: mode, notifier: notifier}, nil
}

func (s *SQLiteStore) tenantKey(tenant *core.TenantId) (string, error) {
	t, err := core.RequireTenant(s.mode, tenant)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", nil
	}
	return t.String(), nil
}

func (s *SQLiteStore) WriteEvent(ctx context.Context, tenant *core.TenantId, ev Event) error {
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
		`INSERT INTO events (tenant_id, session_id, request_id, kind, timestamp, data) VALUES (?, ?, ?, ?, ?, ?)`,
		tenantKey, sessionID, ev.Meta().RequestID, w.Kind, ev.Meta().Timestamp, raw,
	); err != nil {
		return &DatabaseError{Msg: "inserting event", Err: err}
	}

	row, err := s.loadRowTx(ctx, tx, tenantKey, sessionID)
	if err != nil {
		return err
	}
	if row == nil {
		row = &Row{TenantID: tenantKey, SessionID: sessionID}
	}
	projectEvent(row, ev)

	if err := s.upsertRowTx(ctx, tx, row); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &DatabaseError{Msg: "committing write", Err: err}
	}

	if s.notifier != nil {
		change := ConfigChange{TenantID: tenantKey, Version: 0, Timestamp: ev.Meta().Timestamp}
		_ = s.notifier.Publish(ctx, change) // best-effort; spec §4.S2 tolerates missed notifications
	}
	return nil
}

func (s *SQLiteStore) loadRowTx(ctx context.Context, tx *sql.Tx, tenantKey, sessionID string) (*Row, error) {
	var row Row
	var metadataJSON, tokensJSON, statsJSON sql.NullString
	var completedAt sql.NullTime
	var finishReason sql.NullString

	err := tx.QueryRowContext(ctx, `
		SELECT model_requested, provider, listener, metadata, started_at, success,
		       finish_reason, final_stats, completed_at, cumulative_tokens, cumulative_tool_calls
		FROM sessions WHERE tenant_id = ? AND session_id = ?`, tenantKey, sessionID,
	).Scan(&row.ModelRequested, &row.Provider, &row.Listener, &metadataJSON, &row.StartedAt,
		&row.Success, &finishReason, &statsJSON, &completedAt, &tokensJSON, &row.CumulativeToolCalls)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &DatabaseError{Msg: "loading session row", Err: err}
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
	return &row, nil
}

func (s *SQLiteStore) upsertRowTx(ctx context.Context, tx *sql.Tx, row *Row) error {
	metadataJSON, _ := json.Marshal(row.Metadata)
	tokensJSON, _ := json.Marshal(row.CumulativeTokens)
	statsJSON, _ := json.Marshal(row.FinalStats)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (
			tenant_id, session_id, model_requested, provider, listener, metadata,
			started_at, success, finish_reason, final_stats, completed_at,
			cumulative_tokens, cumulative_tool_calls
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, session_id) DO UPDATE SET
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
			cumulative_tool_calls = excluded.cumulative_tool_calls`,
		row.TenantID, row.SessionID, row.ModelRequested, row.Provider, row.Listener, string(metadataJSON),
		row.StartedAt, row.Success, row.FinishReason, string(statsJSON), row.CompletedAt,
		string(tokensJSON), row.CumulativeToolCalls,
	)
	if err != nil {
		return &DatabaseError{Msg: "upserting session row", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, tenant *core.TenantId, sessionID string) (Row, error) {
	tenantKey, err := s.tenantKey(tenant)
	if err != nil {
		return Row{}, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Row{}, &DatabaseError{Msg: "beginning read", Err: err}
	}
	defer tx.Rollback()

	row, err := s.loadRowTx(ctx, tx, tenantKey, sessionID)
	if err != nil {
		return Row{}, err
	}
	if row == nil {
		return Row{}, ErrSessionNotFound
	}
	return *row, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, tenant *core.TenantId, limit, offset int) ([]Row, error) {
	tenantKey, err := s.tenantKey(tenant)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM sessions WHERE tenant_id = ?
		ORDER BY started_at DESC LIMIT ? OFFSET ?`, tenantKey, limit, offset)
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

func (s *SQLiteStore) Search(ctx context.Context, tenant *core.TenantId, query SearchQuery) (SearchResult, error) {
	tenantKey, err := s.tenantKey(tenant)
	if err != nil {
		return SearchResult{}, err
	}

	sqlQuery := `SELECT session_id FROM sessions WHERE tenant_id = ?`
	args := []any{tenantKey}
	if query.Provider != "" {
		sqlQuery += ` AND provider = ?`
		args = append(args, query.Provider)
	}
	if query.Model != "" {
		sqlQuery += ` AND model_requested = ?`
		args = append(args, query.Model)
	}
	if query.SuccessOnly != nil {
		sqlQuery += ` AND success = ?`
		args = append(args, *query.SuccessOnly)
	}
	if query.Since != nil {
		sqlQuery += ` AND started_at >= ?`
		args = append(args, *query.Since)
	}
	if query.Until != nil {
		sqlQuery += ` AND started_at <= ?`
		args = append(args, *query.Until)
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

func (s *SQLiteStore) Flush(ctx context.Context) error { return nil }

// WatchChanges delegates to the configured RedisNotifier; SQLite itself has
// no cross-connection notification mechanism, so without a notifier this
// reports ErrWatchUnsupported.
func (s *SQLiteStore) WatchChanges(ctx context.Context, tenant *core.TenantId) (<-chan ConfigChange, error) {
	if s.notifier == nil {
		return nil, ErrWatchUnsupported
	}
	tenantKey, err := s.tenantKey(tenant)
	if err != nil {
		return nil, err
	}
	return s.notifier.Subscribe(ctx, tenantKey)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
