// Package repository implements data persistence adapters
// Following Hexagonal Architecture: Adapters implement ports defined in core
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// Ensure SQLRepository implements the required interfaces
var _ ports.Store = (*SQLRepository)(nil)

// SQLRepository implements persistence over database/sql for MariaDB/MySQL and SQLite.
// Unique constraints are the source of truth for dedup and find-or-create:
// a losing insert surfaces as domain.ErrConflict.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLRepository wraps an open database handle
func NewSQLRepository(db *sql.DB, dialect Dialect) *SQLRepository {
	return &SQLRepository{
		db:      db,
		dialect: dialect,
	}
}

// OpenSQLite opens (and migrates) a SQLite database.
// ":memory:" becomes a shared-cache in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLRepository, error) {
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialize writers; SQLite allows a single writer anyway
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	r := NewSQLRepository(db, DialectSQLite)
	if err := r.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// DB exposes the underlying handle for health checks
func (r *SQLRepository) DB() *sql.DB { return r.db }

func (r *SQLRepository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }
func (r *SQLRepository) Close() error                   { return r.db.Close() }

// insert runs an INSERT and maps unique violations to domain.ErrConflict
func (r *SQLRepository) insert(ctx context.Context, what, query string, args ...any) error {
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if r.dialect.isUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w", what, domain.ErrConflict)
		}
		slog.Error("Failed to insert row", "table", what, "error", err)
		return fmt.Errorf("insert %s: %w", what, err)
	}
	return nil
}

// execOne runs an UPDATE/DELETE that must hit exactly one row.
// MySQL DSNs set clientFoundRows so unchanged rows still count as matched.
func (r *SQLRepository) execOne(ctx context.Context, notFound error, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func decodeJSON(raw sql.NullString, v any) {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return
	}
	if err := json.Unmarshal([]byte(raw.String), v); err != nil {
		slog.Warn("Failed to decode JSON column", "error", err)
	}
}

// ============================================================================
// ContactRepository Implementation
// ============================================================================

const contactColumns = `id, account_id, external_id, name, email, phone, metadata,
	channel_identifiers, last_interaction_at, created_at, updated_at`

func scanContact(s rowScanner) (*domain.Contact, error) {
	var (
		c                     domain.Contact
		name, email, phone    sql.NullString
		metadata, identifiers sql.NullString
		lastInteraction       sql.NullTime
	)
	if err := s.Scan(&c.ID, &c.AccountID, &c.ExternalID, &name, &email, &phone,
		&metadata, &identifiers, &lastInteraction, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Name, c.Email, c.Phone = name.String, email.String, phone.String
	decodeJSON(metadata, &c.Metadata)
	decodeJSON(identifiers, &c.ChannelIdentifiers)
	c.LastInteractionAt = timePtr(lastInteraction)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return &c, nil
}

func (r *SQLRepository) CreateContact(ctx context.Context, c *domain.Contact) error {
	return r.insert(ctx, "contact",
		`INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.ExternalID, c.Name, c.Email, c.Phone,
		encodeJSON(c.Metadata), encodeJSON(c.ChannelIdentifiers),
		nullTime(c.LastInteractionAt), c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
}

func (r *SQLRepository) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

func (r *SQLRepository) GetContactByExternalID(ctx context.Context, accountID, externalID string) (*domain.Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE account_id = ? AND external_id = ?`,
		accountID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact by external id: %w", err)
	}
	return c, nil
}

func (r *SQLRepository) UpdateContact(ctx context.Context, c *domain.Contact) error {
	err := r.execOne(ctx, domain.ErrContactNotFound,
		`UPDATE contacts SET name = ?, email = ?, phone = ?, metadata = ?, channel_identifiers = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Email, c.Phone, encodeJSON(c.Metadata), encodeJSON(c.ChannelIdentifiers), c.UpdatedAt.UTC(), c.ID,
	)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	return nil
}

func (r *SQLRepository) TouchContactInteraction(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET last_interaction_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch contact: %w", err)
	}
	return nil
}

func (r *SQLRepository) SearchContacts(ctx context.Context, accountID, query string, limit int) ([]*domain.Contact, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + strings.ToLower(query) + "%"
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts
		WHERE account_id = ? AND (LOWER(name) LIKE ? OR LOWER(email) LIKE ? OR phone LIKE ? OR LOWER(external_id) LIKE ?)
		ORDER BY created_at ASC LIMIT ?`,
		accountID, like, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// AgentRepository Implementation
// ============================================================================

const agentColumns = `id, account_id, external_id, name, email, type, is_active, status,
	max_concurrent_chats, current_load, last_assignment_at, last_activity_at, skills, metadata,
	assignment_version, created_at, updated_at`

func scanAgent(s rowScanner) (*domain.Agent, error) {
	var (
		a                        domain.Agent
		name, email              sql.NullString
		skills, metadata         sql.NullString
		lastAssigned, lastActive sql.NullTime
		agentType, status        string
	)
	if err := s.Scan(&a.ID, &a.AccountID, &a.ExternalID, &name, &email, &agentType, &a.IsActive, &status,
		&a.MaxConcurrentChats, &a.CurrentLoad, &lastAssigned, &lastActive, &skills, &metadata,
		&a.AssignmentVersion, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Name, a.Email = name.String, email.String
	a.Type, a.Status = domain.AgentType(agentType), domain.AgentStatus(status)
	a.LastAssignmentAt = timePtr(lastAssigned)
	a.LastActivityAt = timePtr(lastActive)
	decodeJSON(skills, &a.Skills)
	decodeJSON(metadata, &a.Metadata)
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return &a, nil
}

func (r *SQLRepository) queryAgents(ctx context.Context, query string, args ...any) ([]*domain.Agent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLRepository) CreateAgent(ctx context.Context, a *domain.Agent) error {
	return r.insert(ctx, "agent",
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AccountID, a.ExternalID, a.Name, a.Email, string(a.Type), a.IsActive, string(a.Status),
		a.MaxConcurrentChats, a.CurrentLoad, nullTime(a.LastAssignmentAt), nullTime(a.LastActivityAt),
		encodeJSON(a.Skills), encodeJSON(a.Metadata), a.AssignmentVersion, a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
}

func (r *SQLRepository) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	a, err := scanAgent(r.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (r *SQLRepository) GetAgentByExternalID(ctx context.Context, accountID, externalID string) (*domain.Agent, error) {
	a, err := scanAgent(r.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE account_id = ? AND external_id = ?`, accountID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by external id: %w", err)
	}
	return a, nil
}

func (r *SQLRepository) ListAgents(ctx context.Context, accountID string) ([]*domain.Agent, error) {
	return r.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE account_id = ? ORDER BY created_at ASC, id ASC`, accountID)
}

func (r *SQLRepository) UpdateAgent(ctx context.Context, a *domain.Agent) error {
	err := r.execOne(ctx, domain.ErrAgentNotFound,
		`UPDATE agents SET name = ?, email = ?, type = ?, is_active = ?, status = ?,
			max_concurrent_chats = ?, skills = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Email, string(a.Type), a.IsActive, string(a.Status),
		a.MaxConcurrentChats, encodeJSON(a.Skills), encodeJSON(a.Metadata), a.UpdatedAt.UTC(), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

func (r *SQLRepository) FindTriageBot(ctx context.Context, accountID string) (*domain.Agent, error) {
	a, err := scanAgent(r.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents
		WHERE account_id = ? AND type = ? AND is_active = 1
		ORDER BY created_at ASC, id ASC LIMIT 1`,
		accountID, string(domain.AgentTypeBot)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find triage bot: %w", err)
	}
	return a, nil
}

func (r *SQLRepository) ListAvailableHumans(ctx context.Context, accountID string) ([]*domain.Agent, error) {
	// (last_assignment_at IS NOT NULL) sorts never-assigned agents first on both dialects
	return r.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents
		WHERE account_id = ? AND type = ? AND is_active = 1 AND status = ?
			AND current_load < max_concurrent_chats
		ORDER BY (last_assignment_at IS NOT NULL) ASC, last_assignment_at ASC, id ASC`,
		accountID, string(domain.AgentTypeHuman), string(domain.AgentStatusOnline))
}

func (r *SQLRepository) ClaimAgent(ctx context.Context, agentID string, expectedVersion int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents
		SET last_assignment_at = ?, current_load = current_load + 1,
			assignment_version = assignment_version + 1, updated_at = ?
		WHERE id = ? AND assignment_version = ?
			AND (type = ? OR current_load < max_concurrent_chats)`,
		at.UTC(), at.UTC(), agentID, expectedVersion, string(domain.AgentTypeBot))
	if err != nil {
		return false, fmt.Errorf("claim agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim agent rows: %w", err)
	}
	return n == 1, nil
}

func (r *SQLRepository) ReleaseAgent(ctx context.Context, agentID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE agents SET current_load = CASE WHEN current_load > 0 THEN current_load - 1 ELSE 0 END
		WHERE id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("release agent: %w", err)
	}
	return nil
}

func (r *SQLRepository) TouchAgentActivity(ctx context.Context, agentID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE agents SET last_activity_at = ? WHERE id = ?`, at.UTC(), agentID)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}
