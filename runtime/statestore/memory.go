package statestore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore provides an in-memory implementation of the Store interface.
// It is thread-safe and suitable for development, testing, and single-instance deployments.
// For anything that must outlive the process, use RedisStore.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*SessionReport

	// Index for room-based lookups
	roomIndex map[string][]string // room -> []sessionID
}

// NewMemoryStore creates a new in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports:   make(map[string]*SessionReport),
		roomIndex: make(map[string][]string),
	}
}

// Load retrieves a report by session ID.
// Returns a deep copy to prevent external mutations.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*SessionReport, error) {
	if sessionID == "" {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	report, exists := s.reports[sessionID]
	if !exists {
		return nil, ErrNotFound
	}
	return deepCopyReport(report), nil
}

// Save persists a report. If one already exists for the session, it is replaced.
func (s *MemoryStore) Save(ctx context.Context, report *SessionReport) error {
	if report == nil {
		return ErrInvalidReport
	}
	if report.SessionID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.reports[report.SessionID]; ok && prev.Room != report.Room {
		s.removeFromRoomIndex(prev.Room, report.SessionID)
	}
	s.reports[report.SessionID] = deepCopyReport(report)
	if report.Room != "" {
		s.updateRoomIndex(report.Room, report.SessionID)
	}
	return nil
}

// Delete removes a report by session ID.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	report, exists := s.reports[sessionID]
	if !exists {
		return ErrNotFound
	}
	if report.Room != "" {
		s.removeFromRoomIndex(report.Room, sessionID)
	}
	delete(s.reports, sessionID)
	return nil
}

// List returns session IDs matching the given criteria.
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	if opts.Room != "" {
		ids = append(ids, s.roomIndex[opts.Room]...)
	} else {
		ids = make([]string, 0, len(s.reports))
		for id := range s.reports {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	if opts.SortBy != "" {
		reports := make([]*SessionReport, 0, len(ids))
		for _, id := range ids {
			reports = append(reports, s.reports[id])
		}
		sortReports(reports, opts.SortBy, opts.SortOrder)
		for i, r := range reports {
			ids[i] = r.SessionID
		}
	}

	return paginate(ids, opts.Offset, opts.Limit), nil
}

// updateRoomIndex adds a session ID to the room's index.
// Must be called with mutex locked.
func (s *MemoryStore) updateRoomIndex(room, sessionID string) {
	for _, id := range s.roomIndex[room] {
		if id == sessionID {
			return
		}
	}
	s.roomIndex[room] = append(s.roomIndex[room], sessionID)
}

// removeFromRoomIndex removes a session ID from the room's index.
// Must be called with mutex locked.
func (s *MemoryStore) removeFromRoomIndex(room, sessionID string) {
	ids := s.roomIndex[room]
	filtered := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != sessionID {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		delete(s.roomIndex, room)
	} else {
		s.roomIndex[room] = filtered
	}
}

// deepCopyReport creates a deep copy of a report.
func deepCopyReport(report *SessionReport) *SessionReport {
	if report == nil {
		return nil
	}

	// JSON round trip keeps usage values in the same shape RedisStore returns.
	data, err := json.Marshal(report)
	if err != nil {
		return nil
	}
	var out SessionReport
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
