package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert violates a uniqueness
	// constraint, typically a posting URL that already exists.
	ErrDuplicateKey = errors.New("duplicate key")
)

// PostingFilter narrows ListPostings. Zero values mean "any".
type PostingFilter struct {
	Source    string
	Processed *bool
	Limit     int
	Offset    int
}

// Run is the persisted summary of one finished operation.
type Run struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Descriptor string    `json:"descriptor,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Seen       int       `json:"seen"`
	Persisted  int       `json:"persisted"`
	Duplicates int       `json:"duplicates"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}
