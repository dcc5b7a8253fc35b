package db

import (
	"database/sql"

	"github.com/thatsimonsguy/pi-gpio-chat/internal/model"
)

// Journal records GPIO actions and chat exchanges to the database.
type Journal struct {
	DB *sql.DB
}

func (j *Journal) RecordGPIOAction(a model.GPIOAction) error {
	_, err := RecordGPIOAction(j.DB, a)
	return err
}

func (j *Journal) RecordChat(c model.ChatExchange) error {
	_, err := RecordChat(j.DB, c)
	return err
}

func (j *Journal) RecentGPIOActions(limit int) ([]model.GPIOAction, error) {
	return RecentGPIOActions(j.DB, limit)
}
