package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/pi-gpio-chat/internal/model"
)

// fixed width so created_at sorts and compares as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

func RecordGPIOAction(db *sql.DB, a model.GPIOAction) (int64, error) {
	tx, err := StartTransaction(db)
	if err != nil {
		return 0, err
	}
	id, err := RecordGPIOActionWithTx(tx, a)
	if err != nil {
		RollbackTransaction(tx)
		return 0, err
	}
	return id, CommitTransaction(tx)
}

func RecordGPIOActionWithTx(tx *sql.Tx, a model.GPIOAction) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := tx.Exec(`INSERT INTO gpio_actions (created_at, source, action, pin, state, success, message, error_kind) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CreatedAt.UTC().Format(timeLayout), a.Source, a.Action, a.Pin, nullable(a.State), a.Success, a.Message, nullable(a.ErrorKind))
	if err != nil {
		return 0, fmt.Errorf("insert gpio action: %w", err)
	}
	return res.LastInsertId()
}

func RecordChat(db *sql.DB, c model.ChatExchange) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	tx, err := StartTransaction(db)
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(`INSERT INTO chat_exchanges (created_at, question, answer, gpio_detected, success) VALUES (?, ?, ?, ?, ?)`,
		c.CreatedAt.UTC().Format(timeLayout), c.Question, c.Answer, c.GPIODetected, c.Success)
	if err != nil {
		RollbackTransaction(tx)
		return 0, fmt.Errorf("insert chat exchange: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		RollbackTransaction(tx)
		return 0, err
	}
	return id, CommitTransaction(tx)
}

// PruneGPIOActions deletes journal entries older than before.
func PruneGPIOActions(db *sql.DB, before time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM gpio_actions WHERE created_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune gpio actions: %w", err)
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
