package safety

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lucasnoah/recdeploy/internal/record"
)

// Operator decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

const (
	decisionSuffix = ".decision.json"
	cancelSuffix   = ".cancel"
)

// Signal is a persisted operator decision for one recommendation.
type Signal struct {
	RecommendationID string `json:"recommendation_id"`
	Decision         string `json:"decision"`
	Comment          string `json:"comment,omitempty"`
	By               string `json:"by,omitempty"`
	At               string `json:"at"`
}

// SignalStore persists operator approve/reject decisions and cancel
// requests as files keyed by recommendation id.
type SignalStore struct {
	dir    string
	logger *zap.Logger
}

// NewSignalStore creates a store rooted at dir.
func NewSignalStore(dir string, logger *zap.Logger) *SignalStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalStore{dir: dir, logger: logger.Named("signals")}
}

// Dir returns the signal directory.
func (s *SignalStore) Dir() string {
	return s.dir
}

func (s *SignalStore) decisionPath(id string) string {
	return filepath.Join(s.dir, id+decisionSuffix)
}

func (s *SignalStore) cancelPath(id string) string {
	return filepath.Join(s.dir, id+cancelSuffix)
}

// Decide records an approve or reject decision, replacing any earlier one.
func (s *SignalStore) Decide(id, decision, comment, by string) (*Signal, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("invalid recommendation id %q", id)
	}
	sig := &Signal{
		RecommendationID: id,
		Decision:         decision,
		Comment:          comment,
		By:               by,
		At:               time.Now().UTC().Format(time.RFC3339),
	}
	if err := record.WriteJSON(s.decisionPath(id), sig); err != nil {
		return nil, fmt.Errorf("write decision: %w", err)
	}
	return sig, nil
}

// Decision returns the recorded decision for id, or nil when there is none.
func (s *SignalStore) Decision(id string) (*Signal, error) {
	var sig Signal
	if err := record.ReadJSON(s.decisionPath(id), &sig); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &sig, nil
}

// ClearDecision removes a consumed decision.
func (s *SignalStore) ClearDecision(id string) error {
	if err := os.Remove(s.decisionPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RequestCancel records a cancel request for id.
func (s *SignalStore) RequestCancel(id, by string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid recommendation id %q", id)
	}
	return record.WriteAtomic(s.cancelPath(id), []byte(by+"\n"))
}

// CancelRequested reports whether a cancel request is pending for id.
func (s *SignalStore) CancelRequested(id string) bool {
	_, err := os.Stat(s.cancelPath(id))
	return err == nil
}

// ClearCancel removes a consumed cancel request.
func (s *SignalStore) ClearCancel(id string) error {
	if err := os.Remove(s.cancelPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WaitDecision blocks until a decision for id exists, ctx is done, or a
// cancel request arrives. It watches the directory with fsnotify and polls
// every poll interval in case events are missed.
func (s *SignalStore) WaitDecision(ctx context.Context, id string, poll time.Duration) (*Signal, error) {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", s.dir, err)
	}

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify unavailable, polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(s.dir); err != nil {
			s.logger.Warn("watch signal dir failed, polling only", zap.String("dir", s.dir), zap.Error(err))
		} else {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if sig, err := s.Decision(id); err != nil || sig != nil {
			return sig, err
		}
		if s.CancelRequested(id) {
			return nil, context.Canceled
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

// Watch calls fn with the recommendation id of every decision written to
// the signal directory until ctx is done.
func (s *SignalStore) Watch(ctx context.Context, fn func(id string)) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasSuffix(name, decisionSuffix) {
				fn(strings.TrimSuffix(name, decisionSuffix))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("signal watcher error", zap.Error(err))
		}
	}
}
