// Package storage - audit log sink.
package storage

import (
	"fmt"
	"time"
)

// Audit log kinds. The dispatcher writes notification and problem rows.
const (
	LogKindNotification = "notificacao"
	LogKindProblem      = "problema"
	LogKindAlert        = "alerta"
)

// LogEntry is one audit log row. The id fields are optional; absent ones
// stay NULL.
type LogEntry struct {
	Kind        string
	Content     string
	UserID      *int64
	AppID       *int64
	RobotID     *int64
	RobotUserID *int64
	AccountID   *int64
	DispatchID  string
}

// Log inserts an audit log row. Callers treat failures as fire-and-forget.
func (s *Storage) Log(e *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO logs (tipo, conteudo, id_usuario, id_aplicacao, id_robo, id_robo_user, id_conta, dispatch_id, criado_em)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Kind, e.Content, e.UserID, e.AppID, e.RobotID, e.RobotUserID, e.AccountID, e.DispatchID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	return nil
}

// CountLogs returns the number of log rows of a kind. Used by tests and
// operational probes.
func (s *Storage) CountLogs(kind string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM logs WHERE tipo = ?`, kind).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count logs: %w", err)
	}
	return count, nil
}
