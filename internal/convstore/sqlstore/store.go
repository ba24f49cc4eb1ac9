// Package sqlstore implements a CockroachDB-backed alternate Conversation
// Store, exercising the same domain concern as convstore.Store (best-effort
// conversation persistence) against a real database rather than the
// filesystem.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/nexuscore/agentkernel/pkg/kernelproto"
)

// Config holds the connection parameters for the CockroachDB-backed store.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns sane local-development defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            26257,
		User:            "root",
		Database:        "agentkernel",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store is a SQL-backed Conversation Store, storing one row per saved
// snapshot rather than one file per snapshot.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	stmtInsert *sql.Stmt
	stmtLatest *sql.Stmt
	stmtByName *sql.Stmt
	stmtList   *sql.Stmt
}

// New opens a connection pool and prepares statements against config. If
// config is nil, DefaultConfig is used.
func New(config *Config, logger *slog.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping database: %w", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: prepare statements: %w", err)
	}
	return store, nil
}

func (s *Store) prepareStatements() error {
	var err error

	s.stmtInsert, err = s.db.Prepare(`
		INSERT INTO conversations (id, agent_id, filename, messages, metadata, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}

	s.stmtLatest, err = s.db.Prepare(`
		SELECT messages FROM conversations
		WHERE agent_id = $1
		ORDER BY saved_at DESC
		LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("prepare latest: %w", err)
	}

	s.stmtByName, err = s.db.Prepare(`
		SELECT messages FROM conversations
		WHERE agent_id = $1 AND filename = $2
	`)
	if err != nil {
		return fmt.Errorf("prepare by-name: %w", err)
	}

	s.stmtList, err = s.db.Prepare(`
		SELECT filename FROM conversations
		WHERE agent_id = $1
		ORDER BY saved_at DESC
	`)
	if err != nil {
		return fmt.Errorf("prepare list: %w", err)
	}

	return nil
}

// Close closes the prepared statements and the underlying connection pool.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtInsert, s.stmtLatest, s.stmtByName, s.stmtList} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

// Save inserts a new row for agentID's conversation snapshot, returning the
// filename assigned to it (generated when filename is empty). Errors
// propagate to the caller, matching convstore.Store.Save's strict contract.
func (s *Store) Save(ctx context.Context, agentID string, messages []kernelproto.ChatMessage, metadata map[string]string, filename string) (string, error) {
	if filename == "" {
		filename = fmt.Sprintf("conversation_%s_%d.json", agentID, time.Now().UnixMilli())
	}

	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("sqlstore: marshal messages: %w", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("sqlstore: marshal metadata: %w", err)
	}

	_, err = s.stmtInsert.ExecContext(ctx,
		uuid.NewString(), agentID, filename, messagesJSON, metadataJSON, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("sqlstore: insert conversation: %w", err)
	}
	return filename, nil
}

// Load returns the message sequence for agentID, or nil on any failure
// (no row, query error, malformed JSON), matching convstore.Store.Load's
// best-effort contract.
func (s *Store) Load(ctx context.Context, agentID, filename string) []kernelproto.ChatMessage {
	var row *sql.Row
	if filename == "" {
		row = s.stmtLatest.QueryRowContext(ctx, agentID)
	} else {
		row = s.stmtByName.QueryRowContext(ctx, agentID, filename)
	}

	var messagesJSON []byte
	if err := row.Scan(&messagesJSON); err != nil {
		s.logger.Debug("sqlstore: load failed, returning empty sequence", "agentId", agentID, "error", err)
		return nil
	}
	var messages []kernelproto.ChatMessage
	if err := json.Unmarshal(messagesJSON, &messages); err != nil {
		s.logger.Debug("sqlstore: malformed conversation row, returning empty sequence", "agentId", agentID, "error", err)
		return nil
	}
	return messages
}

// ListSaved returns every saved filename for agentID, newest first.
func (s *Store) ListSaved(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.stmtList.QueryContext(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list conversations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlstore: scan filename: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
