package utils

import (
	"github.com/google/uuid"
)

// GenerateID returns a new unique identifier string
func GenerateID() string {
	return uuid.NewString()
}

// GenerateSortableID returns a time-ordered identifier (UUIDv7), so ids of
// append-only rows such as bids sort in insertion order.
func GenerateSortableID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
