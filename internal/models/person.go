package models

import (
	"time"

	"github.com/google/uuid"
)

// Person is the identity a distinct id resolves to. DistinctIDs carries at
// most the single distinct id relevant to the recording being served, never
// the identity's full set, to bound response size.
type Person struct {
	ID          uuid.UUID      `json:"id"`
	DistinctIDs []string       `json:"distinct_ids"`
	Properties  map[string]any `json:"properties"`
	CreatedAt   time.Time      `json:"created_at"`
}
