package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Dialect selects the SQL flavour of a SQLRepository
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// MySQL error number for duplicate entry on a unique key
const mysqlErrDuplicateEntry = 1062

func (d Dialect) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	switch d {
	case DialectMySQL:
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry
	default:
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	}
}

func (d Dialect) replacer() *strings.Replacer {
	if d == DialectMySQL {
		return strings.NewReplacer(
			"{{key}}", "VARCHAR(191)",
			"{{text}}", "TEXT",
			"{{ts}}", "DATETIME(6)",
			"{{bool}}", "BOOLEAN",
			"{{int}}", "INT",
			"{{bigint}}", "BIGINT",
			"{{engine}}", " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		)
	}
	return strings.NewReplacer(
		"{{key}}", "TEXT",
		"{{text}}", "TEXT",
		"{{ts}}", "DATETIME",
		"{{bool}}", "INTEGER",
		"{{int}}", "INTEGER",
		"{{bigint}}", "INTEGER",
		"{{engine}}", "",
	)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS contacts (
		id {{key}} NOT NULL PRIMARY KEY,
		account_id {{key}} NOT NULL,
		external_id {{key}} NOT NULL,
		name {{text}},
		email {{text}},
		phone {{text}},
		metadata {{text}},
		channel_identifiers {{text}},
		last_interaction_at {{ts}} NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE (account_id, external_id)
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS agents (
		id {{key}} NOT NULL PRIMARY KEY,
		account_id {{key}} NOT NULL,
		external_id {{key}} NOT NULL,
		name {{text}},
		email {{text}},
		type {{key}} NOT NULL,
		is_active {{bool}} NOT NULL DEFAULT 1,
		status {{key}} NOT NULL,
		max_concurrent_chats {{int}} NOT NULL DEFAULT 5,
		current_load {{int}} NOT NULL DEFAULT 0,
		last_assignment_at {{ts}} NULL,
		last_activity_at {{ts}} NULL,
		skills {{text}},
		metadata {{text}},
		assignment_version {{bigint}} NOT NULL DEFAULT 0,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE (account_id, external_id)
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id {{key}} NOT NULL PRIMARY KEY,
		account_id {{key}} NOT NULL,
		channel_id {{key}} NOT NULL,
		contact_id {{key}} NOT NULL,
		agent_id {{key}} NOT NULL,
		status {{key}} NOT NULL,
		last_message_at {{ts}} NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE (channel_id, contact_id)
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS messages (
		id {{key}} NOT NULL PRIMARY KEY,
		conversation_id {{key}} NOT NULL,
		channel_id {{key}} NOT NULL,
		channel_message_id {{key}} NOT NULL,
		direction {{key}} NOT NULL,
		sender_id {{key}} NOT NULL,
		content {{text}},
		sent_at {{ts}} NOT NULL,
		metadata {{text}},
		created_at {{ts}} NOT NULL,
		UNIQUE (channel_id, channel_message_id)
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id {{key}} NOT NULL PRIMARY KEY,
		account_id {{key}} NOT NULL,
		event_type {{key}} NOT NULL,
		target_url {{text}} NOT NULL,
		secret_key {{text}} NOT NULL,
		is_active {{bool}} NOT NULL DEFAULT 1,
		created_at {{ts}} NOT NULL
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS channels (
		id {{key}} NOT NULL PRIMARY KEY,
		account_id {{key}} NOT NULL,
		kind {{key}} NOT NULL,
		name {{text}},
		external_ref {{key}},
		access_token {{text}},
		is_active {{bool}} NOT NULL DEFAULT 1,
		created_at {{ts}} NOT NULL
	){{engine}}`,
}

// Migrate creates the schema if it does not exist. Safe to run repeatedly.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	rep := r.dialect.replacer()
	for i, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, rep.Replace(stmt)); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}
