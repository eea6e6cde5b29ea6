// Package statestore persists end-of-session reports.
package statestore

import (
	"context"
	"errors"
)

// Store defines the interface for session report storage.
type Store interface {
	// Load retrieves a report by session ID.
	Load(ctx context.Context, sessionID string) (*SessionReport, error)

	// Save persists a report, replacing any previous report for the session.
	Save(ctx context.Context, report *SessionReport) error

	// Delete removes a report. Returns ErrNotFound if it doesn't exist.
	Delete(ctx context.Context, sessionID string) error

	// List returns session IDs matching opts.
	List(ctx context.Context, opts ListOptions) ([]string, error)
}

// ListOptions provides filtering and pagination options for listing reports.
type ListOptions struct {
	// Room filters reports by room name. If empty, all reports are returned
	// (subject to pagination).
	Room string

	// Limit is the maximum number of IDs to return.
	// If 0, a default limit of 100 is applied.
	Limit int

	// Offset is the number of IDs to skip.
	Offset int

	// SortBy is SortByStartedAt or SortByEndedAt. Empty leaves the order
	// implementation-defined.
	SortBy string

	// SortOrder is "asc" or "desc" (default).
	SortOrder string
}

// ErrNotFound is returned when a report doesn't exist in the store.
var ErrNotFound = errors.New("session report not found")

// ErrInvalidID is returned when an empty session ID is provided.
var ErrInvalidID = errors.New("invalid session ID")

// ErrInvalidReport is returned when a report is nil.
var ErrInvalidReport = errors.New("invalid session report")
