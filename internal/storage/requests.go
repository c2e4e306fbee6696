// Package storage - request and binding operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Request errors
var (
	ErrRequestNotFound = errors.New("request not found")
)

// Request represents one incoming fan-out instruction.
type Request struct {
	ID          int64
	Type        string
	Symbol      *string
	Quantity    *float64
	Price       *float64
	RobotID     int64
	OrderTypeID *int64
	Comment     *string
	CreatedAt   time.Time
}

// RobotBinding marks a robot as active on an account.
type RobotBinding struct {
	ID        int64
	UserID    int64
	RobotID   int64
	AccountID *int64
	Active    bool
}

// BoundAccount is one account participating in a dispatch.
type BoundAccount struct {
	AccountID   int64
	Name        string
	UserID      int64
	RobotUserID int64
}

// CreateBinding inserts a robot/account binding.
func (s *Storage) CreateBinding(b *RobotBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	if b.Active {
		active = 1
	}

	res, err := s.db.Exec(`
		INSERT INTO robos_do_user (id_user, id_robo, id_conta, ligado)
		VALUES (?, ?, ?, ?)
	`, b.UserID, b.RobotID, b.AccountID, active)
	if err != nil {
		return fmt.Errorf("failed to create binding: %w", err)
	}

	b.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read binding id: %w", err)
	}
	return nil
}

// ListBoundAccounts returns the accounts bound to a robot through an active
// binding with a non-null account.
func (s *Storage) ListBoundAccounts(robotID int64) ([]BoundAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT r.id_conta, c.nome, r.id_user, r.id
		FROM robos_do_user r
		JOIN contas c ON c.id = r.id_conta
		WHERE r.id_robo = ? AND r.ligado = 1 AND r.id_conta IS NOT NULL
		ORDER BY r.id
	`, robotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bound accounts: %w", err)
	}
	defer rows.Close()

	var accounts []BoundAccount
	for rows.Next() {
		var a BoundAccount
		if err := rows.Scan(&a.AccountID, &a.Name, &a.UserID, &a.RobotUserID); err != nil {
			return nil, fmt.Errorf("failed to scan bound account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CreateRequest inserts a request row and returns its id.
func (s *Storage) CreateRequest(r *Request) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO requisicoes (tipo, symbol, quantidade, preco, id_robo, id_tipo_ordem, comentario_ordem, criado_em)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Type, r.Symbol, r.Quantity, r.Price, r.RobotID, r.OrderTypeID, r.Comment, r.CreatedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read request id: %w", err)
	}
	r.ID = id
	return id, nil
}

// RequestExists reports whether a request row exists.
func (s *Storage) RequestExists(id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM requisicoes WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check request: %w", err)
	}
	return true, nil
}
