// Package storage - account and token-key operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Account errors
var (
	ErrAccountNotFound = errors.New("account not found")
)

// Account represents a trading account row.
type Account struct {
	ID                int64
	Name              string
	MetaTraderAccount string
	TokenKey          string
	TokenConsumed     bool
	CreatedAt         time.Time
}

// TokenAccount is an account row as seen by the token watchdog: the stored
// credential plus the hints needed to rebuild a payload.
type TokenAccount struct {
	ID                int64
	TokenKey          string
	MetaTraderAccount string
	NumeroUnico       string
}

// ConsumedAccount is an account flagged as consumed that still carries a
// stale credential.
type ConsumedAccount struct {
	ID       int64
	TokenKey string
}

// CreateAccount inserts an account row.
func (s *Storage) CreateAccount(a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	consumed := 0
	if a.TokenConsumed {
		consumed = 1
	}

	res, err := s.db.Exec(`
		INSERT INTO contas (nome, conta_meta_trader, chave_do_token, token_consumido, criado_em)
		VALUES (?, ?, ?, ?, ?)
	`, a.Name, a.MetaTraderAccount, a.TokenKey, consumed, a.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read account id: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by id.
func (s *Storage) GetAccount(id int64) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a Account
	var consumed int
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, nome, conta_meta_trader, chave_do_token, token_consumido, criado_em
		FROM contas WHERE id = ?
	`, id).Scan(&a.ID, &a.Name, &a.MetaTraderAccount, &a.TokenKey, &consumed, &createdAt)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	a.TokenConsumed = consumed == 1
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}

// GetAccountTokenKey returns the credential currently recorded on the
// account row, or the empty string.
func (s *Storage) GetAccountTokenKey(accountID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var key string
	err := s.db.QueryRow(`SELECT chave_do_token FROM contas WHERE id = ?`, accountID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get account token key: %w", err)
	}
	return key, nil
}

// SetAccountTokenKey records a credential on the account row. An empty key
// clears it.
func (s *Storage) SetAccountTokenKey(accountID int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE contas SET chave_do_token = ? WHERE id = ?`, key, accountID)
	if err != nil {
		return fmt.Errorf("failed to set account token key: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// MarkTokenConsumed flags an account's credential as consumed. The watchdog
// retires the credential on its next pass.
func (s *Storage) MarkTokenConsumed(accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE contas SET token_consumido = 1 WHERE id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("failed to mark token consumed: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ListAccountsWithActiveToken returns accounts whose stored credential should
// still exist: at least one active binding and not flagged as consumed. The
// newest order's numero_unico rides along as an upgrade hint.
func (s *Storage) ListAccountsWithActiveToken(limit int) ([]TokenAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT c.id, c.chave_do_token, c.conta_meta_trader,
			COALESCE((
				SELECT o.numero_unico FROM ordens o
				WHERE o.id_conta = c.id
				ORDER BY o.id DESC LIMIT 1
			), '')
		FROM contas c
		WHERE c.token_consumido = 0
			AND EXISTS (
				SELECT 1 FROM robos_do_user r
				WHERE r.id_conta = c.id AND r.ligado = 1
			)
		ORDER BY c.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts with active token: %w", err)
	}
	defer rows.Close()

	var accounts []TokenAccount
	for rows.Next() {
		var a TokenAccount
		if err := rows.Scan(&a.ID, &a.TokenKey, &a.MetaTraderAccount, &a.NumeroUnico); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListAccountsWithConsumedToken returns accounts flagged as consumed that
// still carry a credential.
func (s *Storage) ListAccountsWithConsumedToken(limit int) ([]ConsumedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, chave_do_token
		FROM contas
		WHERE token_consumido = 1 AND chave_do_token != ''
		ORDER BY id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts with consumed token: %w", err)
	}
	defer rows.Close()

	var accounts []ConsumedAccount
	for rows.Next() {
		var a ConsumedAccount
		if err := rows.Scan(&a.ID, &a.TokenKey); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ClearConsumedToken clears the credential and the consumed flag on an
// account row after the watchdog retired the key.
func (s *Storage) ClearConsumedToken(accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE contas SET chave_do_token = '', token_consumido = 0 WHERE id = ?
	`, accountID)
	if err != nil {
		return fmt.Errorf("failed to clear consumed token: %w", err)
	}
	return nil
}
