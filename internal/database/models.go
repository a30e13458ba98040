package database

import (
	"time"
)

// Setting is one row of the key-value settings table.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trade action statuses
const (
	ActionStatusExecuted = "executed"
	ActionStatusSkipped  = "skipped"
	ActionStatusFailed   = "failed"
)

// TradeAction is one journaled strategy outcome.
type TradeAction struct {
	ID         int64     `json:"id"`
	CycleID    string    `json:"cycle_id"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Signal     string    `json:"signal"`
	HeldBefore string    `json:"held_before"`
	HeldAfter  string    `json:"held_after"`
	OrderSize  string    `json:"order_size"`
	Balance    string    `json:"balance"`
	Price      *float64  `json:"price,omitempty"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}
