package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/erans/lunaroute/internal/core"
)

// sessionIDPattern is spec §4.S2's file back-end validation:
// "^[A-Za-z0-9_-]+$", length ≤ 255, never a path separator or "..".
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// ValidSessionID reports whether id is safe to use as a file-back-end
// directory name.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// FileStoreConfig configures the single-tenant file-backed session store.
type FileStoreConfig struct {
	BaseDir       string
	BufferSize    int
	FlushInterval time.Duration
}

// indexEntry is the in-memory (and `.index.json`-persisted) session_id →
// {metadata, size} lookup table spec §4.S2 describes.
type indexEntry struct {
	Metadata Metadata `json:"metadata"`
	Size     int64    `json:"size"`
}

// FileStore is the single-tenant file-backed Store, grounded in the
// teacher's AuditLogger buffered-channel + single background writer
// pattern (internal/security/audit.go), generalized from "flush audit
// events to a log" to "append session events to per-session
// events.ndjson files".
type FileStore struct {
	cfg    FileStoreConfig
	logger *logrus.Logger

	writes chan writeRequest
	stop   chan struct{}
	wg     sync.WaitGroup

	mu    sync.RWMutex
	index map[string]*indexEntry
	rows  map[string]*Row
}

type writeRequest struct {
	sessionID string
	event     Event
	done      chan error
}

func NewFileStore(cfg FileStoreConfig, logger *logrus.Logger) (*FileStore, error) {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, &DatabaseError{Msg: "creating base dir", Err: err}
	}

	s := &FileStore{
		cfg:    cfg,
		logger: logger,
		writes: make(chan writeRequest, cfg.BufferSize),
		stop:   make(chan struct{}),
		index:  make(map[string]*indexEntry),
		rows:   make(map[string]*Row),
	}
	s.loadIndex()

	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func (s *FileStore) loadIndex() {
	data, err := os.ReadFile(filepath.Join(s.cfg.BaseDir, ".index.json"))
	if err != nil {
		return
	}
	var idx map[string]*indexEntry
	if err := json.Unmarshal(data, &idx); err == nil {
		s.index = idx
	}
}

func (s *FileStore) persistIndex() {
	s.mu.RLock()
	data, err := json.Marshal(s.index)
	s.mu.RUnlock()
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(s.cfg.BaseDir, ".index.json"), data, 0o644)
}

// requireSingleTenant rejects any non-nil, non-zero tenant (a nil or
// zero-value tenant passes); the file back-end only ever runs single-tenant
// (spec §4.S2).
func requireSingleTenant(tenant *core.TenantId) error {
	if tenant != nil && !tenant.IsZero() {
		return ErrSingleTenantOnly
	}
	return nil
}

func (s *FileStore) sessionDir(sessionID string) string {
	return filepath.Join(s.cfg.BaseDir, sessionID)
}

func (s *FileStore) writer() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-s.writes:
			req.done <- s.appendEvent(req.sessionID, req.event)
		case <-ticker.C:
			s.persistIndex()
		case <-s.stop:
			for {
				select {
				case req := <-s.writes:
					req.done <- s.appendEvent(req.sessionID, req.event)
				default:
					s.persistIndex()
					return
				}
			}
		}
	}
}

func (s *FileStore) appendEvent(sessionID string, ev Event) error {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &DatabaseError{Msg: "creating session dir", Err: err}
	}

	line, err := encodeEvent(ev)
	if err != nil {
		return &DatabaseError{Msg: "encoding event", Err: err}
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.ndjson"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &DatabaseError{Msg: "opening events.ndjson", Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &DatabaseError{Msg: "appending event", Err: err}
	}

	s.mu.Lock()
	row, ok := s.rows[sessionID]
	if !ok {
		row = &Row{SessionID: sessionID}
		s.rows[sessionID] = row
	}
	projectEvent(row, ev)

	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}
	s.index[sessionID] = &indexEntry{Metadata: row.Metadata, Size: size}
	s.mu.Unlock()

	metaPath := filepath.Join(dir, "metadata.json")
	if metaBytes, err := json.Marshal(row); err == nil {
		_ = os.WriteFile(metaPath, metaBytes, 0o644)
	}
	return nil
}

// WriteEvent implements Store. The file back-end is single-tenant (spec
// §4.S2); a non-nil, non-zero tenant is rejected.
func (s *FileStore) WriteEvent(ctx context.Context, tenant *core.TenantId, ev Event) error {
	if err := requireSingleTenant(tenant); err != nil {
		return err
	}
	sessionID := ev.Meta().SessionID
	if !ValidSessionID(sessionID) {
		return fmt.Errorf("session: invalid session id %q", sessionID)
	}

	req := writeRequest{sessionID: sessionID, event: ev, done: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *FileStore) GetSession(ctx context.Context, tenant *core.TenantId, sessionID string) (Row, error) {
	if err := requireSingleTenant(tenant); err != nil {
		return Row{}, err
	}
	s.mu.RLock()
	row, ok := s.rows[sessionID]
	s.mu.RUnlock()
	if ok {
		return *row, nil
	}

	// Not cached (e.g. after a restart) — replay events.ndjson.
	row, err := s.replaySession(sessionID)
	if err != nil {
		return Row{}, err
	}
	return *row, nil
}

func (s *FileStore) replaySession(sessionID string) (*Row, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrSessionNotFound
	}
	path := filepath.Join(s.sessionDir(sessionID), "events.ndjson")
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	defer f.Close()

	row := &Row{SessionID: sessionID}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		ev, err := decodeEvent(scanner.Bytes())
		if err != nil {
			s.logger.WithError(err).Warn("session: skipping malformed event line")
			continue
		}
		projectEvent(row, ev)
	}

	s.mu.Lock()
	s.rows[sessionID] = row
	s.mu.Unlock()
	return row, nil
}

func (s *FileStore) ListSessions(ctx context.Context, tenant *core.TenantId, limit, offset int) ([]Row, error) {
	if err := requireSingleTenant(tenant); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.cfg.BaseDir)
	if err != nil {
		return nil, &DatabaseError{Msg: "reading base dir", Err: err}
	}

	var out []Row
	skipped := 0
	for _, entry := range entries {
		if !entry.IsDir() || !ValidSessionID(entry.Name()) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) >= limit {
			break
		}
		row, err := s.GetSession(ctx, tenant, entry.Name())
		if err != nil {
			s.logger.WithField("session_id", entry.Name()).Warn("session: skipping invalid session directory")
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *FileStore) Search(ctx context.Context, tenant *core.TenantId, query SearchQuery) (SearchResult, error) {
	if err := requireSingleTenant(tenant); err != nil {
		return SearchResult{}, err
	}
	all, err := s.ListSessions(ctx, tenant, 1<<30, 0)
	if err != nil {
		return SearchResult{}, err
	}

	var matched []Row
	for _, row := range all {
		if query.Provider != "" && row.Provider != query.Provider {
			continue
		}
		if query.Model != "" && row.ModelRequested != query.Model {
			continue
		}
		if query.SuccessOnly != nil && row.Success != *query.SuccessOnly {
			continue
		}
		if query.Since != nil && row.StartedAt.Before(*query.Since) {
			continue
		}
		if query.Until != nil && row.StartedAt.After(*query.Until) {
			continue
		}
		matched = append(matched, row)
	}

	total := len(matched)
	limit := query.Limit
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	return SearchResult{Items: matched[:limit], Total: total}, nil
}

func (s *FileStore) Flush(ctx context.Context) error {
	s.persistIndex()
	return nil
}

// WatchChanges is unsupported on the file back-end (spec §4.S2: change
// notification applies to SQL-backed stores; single-process file stores
// have no cross-process subscriber to notify).
func (s *FileStore) WatchChanges(ctx context.Context, tenant *core.TenantId) (<-chan ConfigChange, error) {
	return nil, ErrWatchUnsupported
}

// Close stops the background writer, flushing any buffered events first.
func (s *FileStore) Close() {
	close(s.stop)
	s.wg.Wait()
}
