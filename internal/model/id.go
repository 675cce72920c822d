package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for bundle identifiers. ULIDs sort by
// creation time, which the dispatcher relies on for fair ordering.
func NewID() string {
	return ulid.Make().String()
}

// NewStoreUUID generates an identifier for a bundle store.
func NewStoreUUID() string {
	return uuid.NewString()
}
