package db

import (
	"database/sql"
	"fmt"

	"github.com/thatsimonsguy/pi-gpio-chat/internal/model"
)

const maxHistory = 500

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxHistory {
		return maxHistory
	}
	return limit
}

// RecentGPIOActions returns up to limit actions, newest first.
func RecentGPIOActions(db *sql.DB, limit int) ([]model.GPIOAction, error) {
	rows, err := db.Query(`SELECT id, created_at, source, action, pin, state, success, message, error_kind FROM gpio_actions ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query gpio actions: %w", err)
	}
	defer rows.Close()

	actions := []model.GPIOAction{}
	for rows.Next() {
		var a model.GPIOAction
		var createdAt string
		var state, message, errorKind sql.NullString
		if err := rows.Scan(&a.ID, &createdAt, &a.Source, &a.Action, &a.Pin, &state, &a.Success, &message, &errorKind); err != nil {
			return nil, fmt.Errorf("failed to scan gpio action: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		a.State = state.String
		a.Message = message.String
		a.ErrorKind = errorKind.String
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// RecentChats returns up to limit exchanges, newest first.
func RecentChats(db *sql.DB, limit int) ([]model.ChatExchange, error) {
	rows, err := db.Query(`SELECT id, created_at, question, answer, gpio_detected, success FROM chat_exchanges ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query chat exchanges: %w", err)
	}
	defer rows.Close()

	chats := []model.ChatExchange{}
	for rows.Next() {
		var c model.ChatExchange
		var createdAt string
		var answer sql.NullString
		if err := rows.Scan(&c.ID, &createdAt, &c.Question, &answer, &c.GPIODetected, &c.Success); err != nil {
			return nil, fmt.Errorf("failed to scan chat exchange: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		c.Answer = answer.String
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
