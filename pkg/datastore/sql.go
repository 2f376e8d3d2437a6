package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// dbTimeLayout keeps a fixed-width fraction so stored timestamps sort lexically.
const dbTimeLayout = "2006-01-02 15:04:05.000000000"

var messageColumns = []string{"id", "kind", "sender", "body", "created_at"}

var userColumns = []string{"id", "username", "role", "salt", "proof_hash", "created_at"}

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) ZeroTime() time.Time {
	return time.Time{}
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory hands out transactional and non-transactional views of the database.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		username   TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		role       INTEGER NOT NULL DEFAULT 0 CHECK(role >= 0 AND role <= 1),
		salt       TEXT    NOT NULL DEFAULT '',
		proof_hash BLOB,
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		reason     TEXT    NOT NULL DEFAULT '',
		banned_by  TEXT    NOT NULL DEFAULT '',
		expires_at TEXT,
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT    NOT NULL DEFAULT 'chat',
		sender     TEXT    NOT NULL DEFAULT '',
		body       TEXT    NOT NULL DEFAULT '',
		created_at TEXT    NOT NULL
	);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages (created_at DESC, id DESC)",
				"CREATE INDEX IF NOT EXISTS idx_bans_user_id ON bans (user_id)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

// parseDBTime accepts both our fixed-width layout and SQLite's datetime('now').
func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04:05", value, time.UTC)
}

// ---- Users ----

// CreateUser inserts an enrolled account and fills in its ID and CreatedAt.
// It validates the username format and role before inserting.
func (s *baseProvider) CreateUser(ctx context.Context, user *model.User) error {
	if err := model.ValidateUsername(user.Username); err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	if !user.Role.Valid() {
		return fmt.Errorf("datastore: create user: %w", model.ErrInvalidRole)
	}
	now := time.Now().UTC()
	res, err := s.ExecContext(ctx,
		"INSERT INTO users (username, role, salt, proof_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		user.Username, int(user.Role), user.Salt, user.ProofHash, formatDBTime(now))
	if err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	user.ID, _ = res.LastInsertId()
	user.CreatedAt = now
	return nil
}

// GetUserByUsername retrieves a user by username.
func (s *baseProvider) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	query, args, err := sq.Select(userColumns...).From("users").Where(sq.Eq{"username": username}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u, err := scanUser(s.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// ListUsers returns all users ordered by ID.
func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	query, args, err := sq.Select(userColumns...).From("users").OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdateUserRole changes a user's stored role.
func (s *baseProvider) UpdateUserRole(ctx context.Context, userID int64, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("datastore: update user role: %w", model.ErrInvalidRole)
	}
	if _, err := s.ExecContext(ctx, "UPDATE users SET role = ? WHERE id = ?", int(role), userID); err != nil {
		return fmt.Errorf("datastore: update user role: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var roleInt int
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &roleInt, &u.Salt, &u.ProofHash, &createdAt); err != nil {
		return nil, err
	}
	u.Role = model.Role(roleInt)
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parsed
	return u, nil
}

// ---- Bans ----

// CreateBan adds a ban record.
func (s *baseProvider) CreateBan(ctx context.Context, ban *model.Ban) error {
	var expStr *string
	if !ban.ExpiresAt.IsZero() {
		es := formatDBTime(ban.ExpiresAt)
		expStr = &es
	}
	now := time.Now().UTC()
	res, err := s.ExecContext(ctx,
		"INSERT INTO bans (user_id, reason, banned_by, expires_at, created_at) VALUES (?, ?, ?, ?, ?)",
		ban.UserID, ban.Reason, ban.BannedBy, expStr, formatDBTime(now))
	if err != nil {
		return fmt.Errorf("datastore: create ban: %w", err)
	}
	ban.ID, _ = res.LastInsertId()
	ban.CreatedAt = now
	return nil
}

// ActiveBan returns the newest unexpired ban for a user.
func (s *baseProvider) ActiveBan(ctx context.Context, userID int64) (*model.Ban, error) {
	query, args, err := sq.Select("id", "user_id", "reason", "banned_by", "expires_at", "created_at").
		From("bans").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Or{sq.Eq{"expires_at": nil}, sq.Gt{"expires_at": formatDBTime(time.Now())}}).
		OrderBy("id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("datastore: check ban: %w", err)
	}

	b := &model.Ban{}
	var expiresAt *string
	var createdAt string
	err = s.QueryRowContext(ctx, query, args...).
		Scan(&b.ID, &b.UserID, &b.Reason, &b.BannedBy, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: check ban: %w", err)
	}
	if expiresAt != nil {
		if b.ExpiresAt, err = parseDBTime(*expiresAt); err != nil {
			return nil, fmt.Errorf("datastore: check ban: %w", err)
		}
	}
	if b.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("datastore: check ban: %w", err)
	}
	return b, nil
}

// DeleteBans lifts every ban on a user.
func (s *baseProvider) DeleteBans(ctx context.Context, userID int64) (int64, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM bans WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("datastore: delete bans: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- Messages ----

// CreateMessage appends a chat line. A zero CreatedAt is set to now.
func (s *baseProvider) CreateMessage(ctx context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	res, err := s.ExecContext(ctx,
		"INSERT INTO messages (kind, sender, body, created_at) VALUES (?, ?, ?, ?)",
		string(message.Kind), message.Sender, message.Body, formatDBTime(message.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}
	message.ID, _ = res.LastInsertId()

	return nil
}

// RecentMessages returns the newest limit messages, newest first.
func (s *baseProvider) RecentMessages(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	query, args, err := sq.Select(messageColumns...).
		From("messages").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		var kind, createdAt string
		if err := rows.Scan(&m.ID, &kind, &m.Sender, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.Kind = model.MessageKind(kind)
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.CreatedAt = parsed
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
