package safety

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// SecretFinding is a potential credential in generated content.
type SecretFinding struct {
	Path   string `json:"path"`
	RuleID string `json:"rule_id"`
	Desc   string `json:"description"`
	Line   int    `json:"line"`
}

// SecretScanner runs the gitleaks default rule set over generated files.
type SecretScanner struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewSecretScanner loads the default gitleaks configuration.
func NewSecretScanner() (*SecretScanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks config: %w", err)
	}
	return &SecretScanner{detector: d}, nil
}

// Scan checks each path -> content pair. The secret value itself is never
// returned.
func (s *SecretScanner) Scan(files map[string]string) []SecretFinding {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SecretFinding
	for _, p := range paths {
		for _, f := range s.detector.DetectString(files[p]) {
			out = append(out, SecretFinding{Path: p, RuleID: f.RuleID, Desc: f.Description, Line: f.StartLine})
		}
	}
	return out
}
