// Package storage - order fan-out operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/payload"
)

// Order errors
var (
	ErrOrderNotFound = errors.New("order not found")
)

// Order statuses reported per account by CreateOrdersForRequest.
const (
	OrderStatusSuccess = "sucesso"
	OrderStatusError   = "erro"
)

// Order represents a per-account materialization of a request.
type Order struct {
	ID          int64
	AccountID   int64
	RobotUserID int64
	UserID      int64
	Type        string
	Symbol      *string
	Price       *float64
	Quantity    *float64
	NumeroUnico string
	CreatedAt   time.Time
}

// OrderOutcome is the per-account result of the order fan-out.
type OrderOutcome struct {
	AccountID   int64
	Status      string
	OrderID     int64
	NumeroUnico string
}

// CreateOrdersForRequest creates one order per bound account inside a single
// transaction. Per-account failures are reported in the outcome, not
// returned as an error; the surviving inserts still commit.
func (s *Storage) CreateOrdersForRequest(requestID int64, req *Request, accounts []BoundAccount) ([]OrderOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	outcomes := make([]OrderOutcome, 0, len(accounts))

	for _, a := range accounts {
		var metaTrader string
		err := tx.QueryRow(`SELECT conta_meta_trader FROM contas WHERE id = ?`, a.AccountID).Scan(&metaTrader)
		if err != nil {
			outcomes = append(outcomes, OrderOutcome{AccountID: a.AccountID, Status: OrderStatusError})
			continue
		}

		numeroUnico := payload.NumeroUnico(requestID, metaTrader)

		res, err := tx.Exec(`
			INSERT INTO ordens (id_conta, id_robo_user, id_user, tipo, symbol, preco, quantidade, numero_unico, criado_em)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.AccountID, a.RobotUserID, a.UserID, req.Type, req.Symbol, req.Price, req.Quantity, numeroUnico, now)
		if err != nil {
			outcomes = append(outcomes, OrderOutcome{AccountID: a.AccountID, Status: OrderStatusError})
			continue
		}

		orderID, err := res.LastInsertId()
		if err != nil {
			outcomes = append(outcomes, OrderOutcome{AccountID: a.AccountID, Status: OrderStatusError})
			continue
		}

		outcomes = append(outcomes, OrderOutcome{
			AccountID:   a.AccountID,
			Status:      OrderStatusSuccess,
			OrderID:     orderID,
			NumeroUnico: numeroUnico,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit orders: %w", err)
	}
	return outcomes, nil
}

// GetOrder retrieves an order by id.
func (s *Storage) GetOrder(id int64) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var o Order
	var createdAt int64
	var robotUser, user sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, id_conta, id_robo_user, id_user, tipo, symbol, preco, quantidade, numero_unico, criado_em
		FROM ordens WHERE id = ?
	`, id).Scan(&o.ID, &o.AccountID, &robotUser, &user, &o.Type, &o.Symbol, &o.Price, &o.Quantity, &o.NumeroUnico, &createdAt)

	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	o.RobotUserID = robotUser.Int64
	o.UserID = user.Int64
	o.CreatedAt = time.Unix(createdAt, 0)
	return &o, nil
}

// DeleteOrder deletes a superseded order. Deleting an order that is already
// gone is not an error.
func (s *Storage) DeleteOrder(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM ordens WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}
