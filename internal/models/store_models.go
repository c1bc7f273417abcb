package models

import "encoding/json"

type ChangeEventType string

const (
	ChangeInsert   ChangeEventType = "INSERT"
	ChangeUpdate   ChangeEventType = "UPDATE"
	ChangeDelete   ChangeEventType = "DELETE"
	ChangeWildcard ChangeEventType = "*"
)

// ChangeEvent is one row-level notification from the store's change feed.
// Record carries the full new row for inserts and updates; for deletes only
// OldRecord is set. A wildcard event carries no row and forces a re-fetch.
type ChangeEvent struct {
	Type      ChangeEventType `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}
