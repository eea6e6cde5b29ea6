package statestore

import (
	"sort"
	"strings"
	"time"
)

// Sort field constants for ListOptions.SortBy.
const (
	SortByStartedAt = "started_at"
	SortByEndedAt   = "ended_at"
)

// defaultTTLHours is the default TTL for stored reports (7 days).
const defaultTTLHours = 24 * 7

// defaultListLimit caps List results when no limit is given.
const defaultListLimit = 100

// SessionReport is written once when an agent session shuts down.
type SessionReport struct {
	SessionID   string    `json:"session_id"`
	Room        string    `json:"room"`
	Participant string    `json:"participant,omitempty"`
	Outbound    bool      `json:"outbound,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	CloseReason string    `json:"close_reason,omitempty"`

	// Usage is the aggregated usage summary.
	Usage map[string]any `json:"usage,omitempty"`

	// Turns counts completed user turns; TurnImages counts attached images
	// by visual source.
	Turns      int            `json:"turns"`
	TurnImages map[string]int `json:"turn_images,omitempty"`

	// Errors counts classified pipeline errors by category.
	Errors map[string]int `json:"errors,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Duration returns how long the session ran.
func (r *SessionReport) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// sortReports orders reports in place by the given field.
func sortReports(reports []*SessionReport, sortBy, sortOrder string) {
	ascending := strings.EqualFold(sortOrder, "asc")
	sort.SliceStable(reports, func(i, j int) bool {
		var less bool
		switch sortBy {
		case SortByStartedAt:
			less = reports[i].StartedAt.Before(reports[j].StartedAt)
		case SortByEndedAt:
			less = reports[i].EndedAt.Before(reports[j].EndedAt)
		default:
			return false
		}
		if ascending {
			return less
		}
		return !less
	})
}

// paginate applies offset and limit to ids.
func paginate(ids []string, offset, limit int) []string {
	if limit == 0 {
		limit = defaultListLimit
	}
	if offset >= len(ids) {
		return []string{}
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end]
}
