package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrExists            = errors.New("record already exists")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrInvalidID         = errors.New("invalid recommendation id")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Store manages deployment records on disk, one directory per recommendation.
type Store struct {
	baseDir string
	mu      sync.Mutex
	now     func() time.Time
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir, now: time.Now}
}

// OpenStore returns a Store at <stateDir>/records, creating the directory if needed.
func OpenStore(stateDir string) (*Store, error) {
	dir := filepath.Join(stateDir, "records")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewStore(dir), nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Dir returns the directory holding a record and its artifacts.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.Dir(id), "record.json")
}

func (s *Store) artifactPath(id, name string) string {
	return filepath.Join(s.Dir(id), name+".json")
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// CreateOpts holds the fields of a new record.
type CreateOpts struct {
	ID    string
	Title string
	RunID string
	Mode  string
}

// Create initialises a new record in the Pending stage.
func (s *Store) Create(opts CreateOpts) (*DeploymentRecord, error) {
	if !validID.MatchString(opts.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, opts.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.Dir(opts.ID)
	if _, err := os.Stat(s.recordPath(opts.ID)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, opts.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	now := s.timestamp()
	rec := &DeploymentRecord{
		RecommendationID: opts.ID,
		Title:            opts.Title,
		RunID:            opts.RunID,
		Mode:             opts.Mode,
		CurrentStage:     StagePending,
		Status:           StatusRunning,
		StageHistory:     []StageEntry{{Stage: StagePending, EnteredAt: now}},
		Approval:         Approval{Decision: ApprovalNone},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := WriteJSON(s.recordPath(opts.ID), rec); err != nil {
		return nil, fmt.Errorf("write record.json: %w", err)
	}
	return rec, nil
}

// Get reads the record for a recommendation id.
func (s *Store) Get(id string) (*DeploymentRecord, error) {
	if !validID.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	var rec DeploymentRecord
	if err := ReadJSON(s.recordPath(id), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// Update performs an atomic read-modify-write of the record. fn may return an
// error to abort the write.
func (s *Store) Update(id string, fn func(*DeploymentRecord) error) (*DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = s.timestamp()
	if err := WriteJSON(s.recordPath(id), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Transition moves a record to stage to, closing the previous history entry
// with outcome and appending a new one. fn, if non-nil, mutates the record in
// the same write. Moves that break stage ordering return ErrInvalidTransition.
func (s *Store) Transition(id string, to Stage, outcome, detail string, fn func(*DeploymentRecord)) (*DeploymentRecord, error) {
	return s.Update(id, func(rec *DeploymentRecord) error {
		if !CanTransition(rec.CurrentStage, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.CurrentStage, to)
		}
		now := s.now().UTC()
		if last := rec.LastEntry(); last != nil {
			last.Outcome = outcome
			if entered, err := time.Parse(time.RFC3339Nano, last.EnteredAt); err == nil {
				last.Duration = now.Sub(entered).Round(time.Millisecond).String()
			}
		}
		rec.CurrentStage = to
		rec.Status = StatusFor(to)
		rec.StageHistory = append(rec.StageHistory, StageEntry{
			Stage:     to,
			EnteredAt: now.Format(time.RFC3339Nano),
			Detail:    detail,
			Cost:      rec.CumulativeCost,
		})
		if fn != nil {
			fn(rec)
		}
		return nil
	})
}

// AddCost appends a cost entry and raises the cumulative cost. Negative
// amounts are rejected so the cumulative figure never decreases.
func (s *Store) AddCost(id string, entry CostEntry) (*DeploymentRecord, error) {
	if entry.USD < 0 {
		return nil, fmt.Errorf("negative cost %v for %s", entry.USD, id)
	}
	return s.Update(id, func(rec *DeploymentRecord) error {
		if entry.At == "" {
			entry.At = s.timestamp()
		}
		rec.Costs = append(rec.Costs, entry)
		rec.CumulativeCost += entry.USD
		return nil
	})
}

// List returns all records, optionally filtered by status, oldest first.
// Pass "" for status to return every record.
func (s *Store) List(status Status) ([]DeploymentRecord, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var recs []DeploymentRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken or foreign entries
		}
		if status == "" || rec.Status == status {
			recs = append(recs, *rec)
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt < recs[j].CreatedAt
		}
		return recs[i].RecommendationID < recs[j].RecommendationID
	})
	return recs, nil
}

// SaveArtifact writes a named JSON artifact next to the record, replacing any
// previous version.
func (s *Store) SaveArtifact(id, name string, v any) error {
	if !validID.MatchString(id) || !validID.MatchString(name) || name == "record" {
		return fmt.Errorf("%w: %q/%q", ErrInvalidID, id, name)
	}
	return WriteJSON(s.artifactPath(id, name), v)
}

// LoadArtifact reads a named artifact into v. Missing artifacts return ErrNotFound.
func (s *Store) LoadArtifact(id, name string, v any) error {
	if err := ReadJSON(s.artifactPath(id, name), v); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: artifact %s/%s", ErrNotFound, id, name)
		}
		return err
	}
	return nil
}
