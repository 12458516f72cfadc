package entity

import "time"

// LedgerEntry is the append-only record of one step attempt, including
// retries. Entries are never mutated or deleted; they are the sole source
// of truth for manual reconciliation when a run aborts mid-flight.
type LedgerEntry struct {
	SagaID    string    `json:"saga_id"`
	Step      Step      `json:"step"`
	Attempt   int       `json:"attempt"`
	Input     string    `json:"input"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"ts"`
}
