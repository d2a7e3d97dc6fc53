package daemon

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/browserd/pkg/types"
)

// RecordPersistence stores daemon records and saved URLs across restarts
type RecordPersistence interface {
	SaveRecord(rec types.DaemonRecord) error
	DeleteRecord(sessionID string) error
	LoadRecords() ([]types.DaemonRecord, error)
	SaveLastURL(sessionID, url string) error
	LoadLastURLs() (map[string]string, error)
}

// Store is the orchestration state owned by the controller. Readers get
// copies; all writes go through the controller under the session lock.
type Store struct {
	mu          sync.RWMutex
	records     map[string]*types.DaemonRecord
	lastURLs    map[string]string
	persistence RecordPersistence
	now         func() time.Time
}

// NewStore creates an empty store. persistence may be nil.
func NewStore(persistence RecordPersistence) *Store {
	return &Store{
		records:     make(map[string]*types.DaemonRecord),
		lastURLs:    make(map[string]string),
		persistence: persistence,
		now:         time.Now,
	}
}

// Restore loads persisted state. Records caught mid-transition are marked
// unhealthy so the reconciler re-checks them.
func (s *Store) Restore() error {
	if s.persistence == nil {
		return nil
	}
	recs, err := s.persistence.LoadRecords()
	if err != nil {
		return err
	}
	urls, err := s.persistence.LoadLastURLs()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range recs {
		rec := recs[i]
		if rec.Status == types.StatusStarting || rec.Status == types.StatusRestarting {
			rec.Status = types.StatusUnhealthy
		}
		s.records[rec.SessionID] = &rec
	}
	for sid, u := range urls {
		s.lastURLs[sid] = u
	}
	log.Info().Int("records", len(recs)).Int("saved_urls", len(urls)).Msg("Daemon records restored")
	return nil
}

// Get returns a copy of the session's record
func (s *Store) Get(sessionID string) (types.DaemonRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return types.DaemonRecord{}, false
	}
	return *rec, true
}

// Put inserts or replaces a record
func (s *Store) Put(rec types.DaemonRecord) {
	rec.UpdatedAt = s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	s.mu.Lock()
	s.records[rec.SessionID] = &rec
	s.mu.Unlock()
	s.persist(rec)
}

// Update applies fn to the stored record. It returns false if the session
// has no record.
func (s *Store) Update(sessionID string, fn func(rec *types.DaemonRecord)) (types.DaemonRecord, bool) {
	s.mu.Lock()
	rec, ok := s.records[sessionID]
	if !ok {
		s.mu.Unlock()
		return types.DaemonRecord{}, false
	}
	fn(rec)
	rec.UpdatedAt = s.now()
	out := *rec
	s.mu.Unlock()

	s.persist(out)
	return out, true
}

// Touch applies fn in memory only. The change reaches persistence with
// the record's next Put or Update.
func (s *Store) Touch(sessionID string, fn func(rec *types.DaemonRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if ok {
		fn(rec)
	}
	return ok
}

// Delete removes a record
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	_, ok := s.records[sessionID]
	delete(s.records, sessionID)
	s.mu.Unlock()

	if ok && s.persistence != nil {
		if err := s.persistence.DeleteRecord(sessionID); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to delete daemon record")
		}
	}
}

// List returns copies of all records ordered by session id
func (s *Store) List() []types.DaemonRecord {
	s.mu.RLock()
	out := make([]types.DaemonRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// LastURL returns the URL saved when the session was last stopped
func (s *Store) LastURL(sessionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastURLs[sessionID]
}

// SetLastURL saves url for the session; an empty url clears it
func (s *Store) SetLastURL(sessionID, url string) {
	s.mu.Lock()
	if url == "" {
		delete(s.lastURLs, sessionID)
	} else {
		s.lastURLs[sessionID] = url
	}
	s.mu.Unlock()

	if s.persistence != nil {
		if err := s.persistence.SaveLastURL(sessionID, url); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to save last URL")
		}
	}
}

func (s *Store) persist(rec types.DaemonRecord) {
	if s.persistence == nil {
		return
	}
	if err := s.persistence.SaveRecord(rec); err != nil {
		log.Error().Err(err).Str("session_id", rec.SessionID).Msg("Failed to persist daemon record")
	}
}
