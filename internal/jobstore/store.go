// Package jobstore is the keyed, ordered JobRecord map of spec.md §4.6: an
// atomic-patch state machine with terminal-status freeze and a
// change-callback fan-out, replacing the teacher's ad-hoc per-job callback
// maps with the explicit registry pattern spec.md's REDESIGN FLAGS call for.
package jobstore

import (
	"sort"
	"sync"
	"time"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/videojob"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Record is spec.md §3's JobRecord: the queue's view of a job, including
// the originating Request so /video/job/{jobId}/details can answer with
// elements and timeline without a second lookup.
type Record struct {
	ID                string
	Status            Status
	Request           videojob.Request
	CurrentStep       string
	ProgressPercent   int
	ResultURL         string
	ResultSizeBytes   int64
	ProcessingTimeMs  int64
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Patch is a partial update applied atomically to one Record. Nil/zero
// fields are left untouched; set Status explicitly to change it.
type Patch struct {
	Status           *Status
	CurrentStep      *string
	ProgressPercent  *int
	ResultURL        *string
	ResultSizeBytes  *int64
	ProcessingTimeMs *int64
	Error            *string
}

// ChangeCallback receives a snapshot of a record immediately after a
// successful patch.
type ChangeCallback func(Record)

// Store is the process-wide job registry.
type Store struct {
	mu        sync.Mutex
	records   map[string]*Record
	callbacks []ChangeCallback
}

func New() *Store {
	return &Store{records: make(map[string]*Record)}
}

func (s *Store) OnChange(cb ChangeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Save inserts or overwrites a record outright (used at initial enqueue).
func (s *Store) Save(r Record) {
	s.mu.Lock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt
	cp := r
	s.records[r.ID] = &cp
	cbs := append([]ChangeCallback{}, s.callbacks...)
	s.mu.Unlock()

	notify(cbs, cp)
}

func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Update atomically applies patch to the record named id, rejecting the
// mutation if the record is already in a terminal status. Returns the
// updated record, or an error if id is unknown or frozen.
func (s *Store) Update(id string, patch Patch) (Record, error) {
	s.mu.Lock()
	r, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return Record{}, apierrors.New(apierrors.NotFound, "job "+id+" not found")
	}
	if r.Status.Terminal() {
		s.mu.Unlock()
		return Record{}, apierrors.New(apierrors.Validation, "job "+id+" is in a terminal status and cannot be patched")
	}

	applyPatch(r, patch)
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	cbs := append([]ChangeCallback{}, s.callbacks...)
	s.mu.Unlock()

	notify(cbs, cp)
	return cp, nil
}

func applyPatch(r *Record, p Patch) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.CurrentStep != nil {
		r.CurrentStep = *p.CurrentStep
	}
	if p.ProgressPercent != nil {
		r.ProgressPercent = *p.ProgressPercent
	}
	if p.ResultURL != nil {
		r.ResultURL = *p.ResultURL
	}
	if p.ResultSizeBytes != nil {
		r.ResultSizeBytes = *p.ResultSizeBytes
	}
	if p.ProcessingTimeMs != nil {
		r.ProcessingTimeMs = *p.ProcessingTimeMs
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
}

// List returns up to limit records ordered by createdAt descending.
func (s *Store) List(limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func notify(cbs []ChangeCallback, r Record) {
	for _, cb := range cbs {
		cb(r)
	}
}
