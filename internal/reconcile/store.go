package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
	sqlite3 "modernc.org/sqlite/lib"
)

// MappingStore is the persistence contract for integration mappings. It is
// the single source of truth for "have we seen this external record before".
// Find returns ErrMappingNotFound on a miss; Create returns
// ErrDuplicateMapping when a concurrent writer already inserted the same
// natural key. Repoint and Deactivate exist only for the explicit re-sync
// and self-healing paths, never for ordinary reconciliation.
type MappingStore interface {
	Find(ctx context.Context, key ExternalKey) (*Mapping, error)
	Create(ctx context.Context, m *Mapping) error
	Repoint(ctx context.Context, mappingID, canonicalID string) error
	Deactivate(ctx context.Context, mappingID string) error
}

// SQLiteStore implements MappingStore, the canonical record tables backing
// RecordGateway, and the integration registry, all in one embedded SQLite
// database with WAL mode. The uniqueness constraint on the mapping natural
// key lives here; it is what makes the create-then-detect-conflict
// discipline in the reconciler safe.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	nowFunc func() time.Time // injectable for deterministic tests

	// Prepared statements for repeated queries, grouped by domain.
	mappingStmts     mappingStatements
	canonicalStmts   canonicalStatements
	integrationStmts integrationStatements
}

type mappingStatements struct {
	find, insert, repoint, deactivate, countForIntegration *sql.Stmt
}

type canonicalStatements struct {
	insert, update, get, delete *sql.Stmt
}

type integrationStatements struct {
	get, touchSynced, listSettings, repoStatus *sql.Stmt
}

// NewStore opens the database at dbPath, applies migrations, and prepares
// all repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("reconcile: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: one connection, serialized writes.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("mapping store initialized", slog.String("db_path", dbPath))

	return s, nil
}

// DB exposes the underlying handle for components that share the database
// (registry queries, status reporting). Writes outside the prepared
// statements must not touch the integration_map table.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{
		s.mappingStmts.find, s.mappingStmts.insert, s.mappingStmts.repoint,
		s.mappingStmts.deactivate, s.mappingStmts.countForIntegration,
		s.canonicalStmts.insert, s.canonicalStmts.update,
		s.canonicalStmts.get, s.canonicalStmts.delete,
		s.integrationStmts.get, s.integrationStmts.touchSynced,
		s.integrationStmts.listSettings, s.integrationStmts.repoStatus,
	}

	for _, st := range stmts {
		if st != nil {
			st.Close()
		}
	}

	return s.db.Close()
}

// SQL statements for mapping operations.
const (
	sqlFindMapping = `SELECT id, tenant_id, organization_id, integration_id,
		entity_kind, source_id, canonical_id, is_active, is_archived,
		created_at, updated_at
		FROM integration_map
		WHERE tenant_id = ? AND organization_id = ? AND integration_id = ?
		AND entity_kind = ? AND source_id = ?`

	sqlInsertMapping = `INSERT INTO integration_map
		(id, tenant_id, organization_id, integration_id, entity_kind,
		 source_id, canonical_id, is_active, is_archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlRepointMapping = `UPDATE integration_map
		SET canonical_id = ?, is_active = 1, updated_at = ?
		WHERE id = ?`

	sqlDeactivateMapping = `UPDATE integration_map
		SET is_active = 0, updated_at = ?
		WHERE id = ?`

	sqlCountMappings = `SELECT entity_kind, COUNT(*) FROM integration_map
		WHERE integration_id = ? AND is_active = 1
		GROUP BY entity_kind`
)

func (s *SQLiteStore) prepareStatements(ctx context.Context) error {
	prep := func(dst **sql.Stmt, query string) error {
		if *dst != nil {
			return nil
		}

		stmt, err := s.db.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("reconcile: preparing statement: %w", err)
		}

		*dst = stmt

		return nil
	}

	for _, p := range []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.mappingStmts.find, sqlFindMapping},
		{&s.mappingStmts.insert, sqlInsertMapping},
		{&s.mappingStmts.repoint, sqlRepointMapping},
		{&s.mappingStmts.deactivate, sqlDeactivateMapping},
		{&s.mappingStmts.countForIntegration, sqlCountMappings},
		{&s.canonicalStmts.insert, sqlInsertCanonical},
		{&s.canonicalStmts.update, sqlUpdateCanonical},
		{&s.canonicalStmts.get, sqlGetCanonical},
		{&s.canonicalStmts.delete, sqlDeleteCanonical},
		{&s.integrationStmts.get, sqlGetIntegration},
		{&s.integrationStmts.touchSynced, sqlTouchLastSynced},
		{&s.integrationStmts.listSettings, sqlListEntitySettings},
		{&s.integrationStmts.repoStatus, sqlSetRepositoryStatus},
	} {
		if err := prep(p.dst, p.query); err != nil {
			return err
		}
	}

	return nil
}

// Find performs the point lookup on the composite natural key. A miss is the
// expected Unmatched branch and comes back as ErrMappingNotFound, never as a
// generic failure.
func (s *SQLiteStore) Find(ctx context.Context, key ExternalKey) (*Mapping, error) {
	row := s.mappingStmts.find.QueryRowContext(ctx,
		key.TenantID, key.OrganizationID, key.IntegrationID,
		string(key.Kind), key.SourceID,
	)

	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMappingNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("reconcile: finding mapping for %s/%s: %w", key.Kind, key.SourceID, err)
	}

	return m, nil
}

// Create inserts a new mapping row. The unique index on the natural key is
// the arbiter under concurrency: a second writer for the same key gets
// ErrDuplicateMapping and converges on the winner's row.
func (s *SQLiteStore) Create(ctx context.Context, m *Mapping) error {
	_, err := s.mappingStmts.insert.ExecContext(ctx,
		m.ID, m.TenantID, m.OrganizationID, m.IntegrationID,
		string(m.Kind), m.SourceID, m.CanonicalID,
		boolToInt(m.IsActive), boolToInt(m.IsArchived),
		m.CreatedAt, m.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateMapping
	}

	if err != nil {
		return fmt.Errorf("reconcile: inserting mapping for %s/%s: %w", m.Kind, m.SourceID, err)
	}

	return nil
}

// Repoint re-targets an existing mapping at a new canonical record and
// reactivates it. Used by the self-healing path and the manual re-sync
// action; the natural key never changes.
func (s *SQLiteStore) Repoint(ctx context.Context, mappingID, canonicalID string) error {
	result, err := s.mappingStmts.repoint.ExecContext(ctx,
		canonicalID, s.nowFunc().UnixNano(), mappingID)
	if err != nil {
		return fmt.Errorf("reconcile: repointing mapping %s: %w", mappingID, err)
	}

	return requireOneRow(result, "repoint", mappingID)
}

// Deactivate soft-invalidates a mapping without deleting history.
func (s *SQLiteStore) Deactivate(ctx context.Context, mappingID string) error {
	result, err := s.mappingStmts.deactivate.ExecContext(ctx,
		s.nowFunc().UnixNano(), mappingID)
	if err != nil {
		return fmt.Errorf("reconcile: deactivating mapping %s: %w", mappingID, err)
	}

	return requireOneRow(result, "deactivate", mappingID)
}

// CountActiveMappings returns active mapping counts per entity kind for an
// integration. Used by the status command.
func (s *SQLiteStore) CountActiveMappings(ctx context.Context, integrationID string) (map[EntityKind]int, error) {
	rows, err := s.mappingStmts.countForIntegration.QueryContext(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: counting mappings for %s: %w", integrationID, err)
	}
	defer rows.Close()

	counts := make(map[EntityKind]int)

	for rows.Next() {
		var (
			kind string
			n    int
		)

		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("reconcile: scanning mapping count: %w", err)
		}

		counts[EntityKind(kind)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile: iterating mapping counts: %w", err)
	}

	return counts, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (*Mapping, error) {
	var (
		m          Mapping
		kind       string
		isActive   int
		isArchived int
	)

	err := row.Scan(
		&m.ID, &m.TenantID, &m.OrganizationID, &m.IntegrationID,
		&kind, &m.SourceID, &m.CanonicalID, &isActive, &isArchived,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := ParseEntityKind(kind)
	if err != nil {
		return nil, err
	}

	m.Kind = parsed
	m.IsActive = isActive != 0
	m.IsArchived = isArchived != 0

	return &m, nil
}

// requireOneRow converts a zero-row UPDATE into an explicit error so callers
// never silently miss a stale mapping id.
func requireOneRow(result sql.Result, op, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reconcile: %s %s rows affected: %w", op, id, err)
	}

	if n == 0 {
		return fmt.Errorf("reconcile: %s %s: %w", op, id, ErrMappingNotFound)
	}

	return nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure (the natural-key index firing under a concurrent insert).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}

	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
