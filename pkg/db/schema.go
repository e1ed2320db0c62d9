package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/mahaj/chatcore/pkg/logger"
)

var keyspaceName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,47}$`)

// Tables lists the schema in creation order.
var Tables = []struct {
	Name string
	DDL  string
}{
	{"users", `CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		name text,
		email text,
		avatar_url text,
		password_hash text,
		created_at timestamp
	)`},
	{"users_by_email", `CREATE TABLE IF NOT EXISTS users_by_email (
		email text PRIMARY KEY,
		user_id text
	)`},
	{"conversations", `CREATE TABLE IF NOT EXISTS conversations (
		id bigint PRIMARY KEY,
		is_group boolean,
		name text,
		admin text,
		members list<text>,
		latest_message_id bigint,
		created_at timestamp,
		updated_at timestamp
	)`},
	{"direct_pairs", `CREATE TABLE IF NOT EXISTS direct_pairs (
		pair_key text PRIMARY KEY,
		conversation_id bigint
	)`},
	{"user_conversations", `CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		conversation_id bigint,
		PRIMARY KEY (user_id, conversation_id)
	)`},
	{"conversation_counters", `CREATE TABLE IF NOT EXISTS conversation_counters (
		conversation_id bigint PRIMARY KEY,
		unread_count counter
	)`},
	{"messages", `CREATE TABLE IF NOT EXISTS messages (
		conversation_id bigint,
		id bigint,
		sender text,
		body text,
		reactions text,
		is_edited boolean,
		is_deleted boolean,
		created_at timestamp,
		updated_at timestamp,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id ASC)`},
	{"message_index", `CREATE TABLE IF NOT EXISTS message_index (
		id bigint PRIMARY KEY,
		conversation_id bigint
	)`},
}

// CreateKeyspace must run on a session that is not bound to the keyspace.
func CreateKeyspace(ctx context.Context, s *Session, keyspace string, replicationFactor int) error {
	if !keyspaceName.MatchString(keyspace) {
		return fmt.Errorf("invalid keyspace name %q", keyspace)
	}
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	q := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replicationFactor)
	if err := s.Query(q).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}
	return nil
}

// Migrate creates every missing table.
func Migrate(ctx context.Context, s *Session) error {
	for _, t := range Tables {
		if err := s.Query(t.DDL).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		logger.Debug("scylla_table_ready", "table", t.Name)
	}
	return nil
}

// Drop removes every table. Used by the schema tool to reset a dev cluster.
func Drop(ctx context.Context, s *Session) error {
	for i := len(Tables) - 1; i >= 0; i-- {
		if err := s.Query("DROP TABLE IF EXISTS " + Tables[i].Name).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", Tables[i].Name, err)
		}
		logger.Info("scylla_table_dropped", "table", Tables[i].Name)
	}
	return nil
}
