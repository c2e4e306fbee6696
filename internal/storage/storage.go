// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides the relational store of truth for accounts, robot
// bindings, requests, and orders.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "capitais.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Storage) Ping() error {
	return s.db.Ping()
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Trading accounts. chave_do_token holds the currently published
	-- token-store key ("tok:<opaque>") or the empty string.
	CREATE TABLE IF NOT EXISTS contas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		nome TEXT NOT NULL,
		conta_meta_trader TEXT NOT NULL DEFAULT '',
		chave_do_token TEXT NOT NULL DEFAULT '',

		-- Set by an external consumer-tracking process; the watchdog only
		-- reacts to it by retiring the credential.
		token_consumido INTEGER NOT NULL DEFAULT 0,

		criado_em INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contas_token_consumido ON contas(token_consumido);

	-- Robot/account bindings. Only rows with ligado = 1 and a non-null
	-- id_conta participate in dispatch.
	CREATE TABLE IF NOT EXISTS robos_do_user (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		id_user INTEGER NOT NULL,
		id_robo INTEGER NOT NULL,
		id_conta INTEGER,
		ligado INTEGER NOT NULL DEFAULT 0,

		FOREIGN KEY (id_conta) REFERENCES contas(id)
	);

	CREATE INDEX IF NOT EXISTS idx_robos_do_user_robo ON robos_do_user(id_robo, ligado);
	CREATE INDEX IF NOT EXISTS idx_robos_do_user_conta ON robos_do_user(id_conta);

	-- Incoming requests, one per dispatch.
	CREATE TABLE IF NOT EXISTS requisicoes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tipo TEXT NOT NULL,
		symbol TEXT,
		quantidade REAL,
		preco REAL,
		id_robo INTEGER NOT NULL,
		id_tipo_ordem INTEGER,
		comentario_ordem TEXT,
		criado_em INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requisicoes_robo ON requisicoes(id_robo);

	-- Per-account materialization of a request.
	CREATE TABLE IF NOT EXISTS ordens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		id_conta INTEGER NOT NULL,
		id_robo_user INTEGER,
		id_user INTEGER,
		tipo TEXT NOT NULL,
		symbol TEXT,
		preco REAL,
		quantidade REAL,
		numero_unico TEXT NOT NULL,
		criado_em INTEGER NOT NULL,

		FOREIGN KEY (id_conta) REFERENCES contas(id)
	);

	CREATE INDEX IF NOT EXISTS idx_ordens_conta ON ordens(id_conta);
	CREATE INDEX IF NOT EXISTS idx_ordens_numero_unico ON ordens(numero_unico);

	-- Audit log sink. Writes are fire-and-forget from the caller's view.
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tipo TEXT NOT NULL,
		conteudo TEXT NOT NULL,
		id_usuario INTEGER,
		id_aplicacao INTEGER,
		id_robo INTEGER,
		id_robo_user INTEGER,
		id_conta INTEGER,
		dispatch_id TEXT,
		criado_em INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_logs_tipo ON logs(tipo);
	CREATE INDEX IF NOT EXISTS idx_logs_criado_em ON logs(criado_em);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
