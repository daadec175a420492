package recommendation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source delivers recommendations to out until it is exhausted or ctx is
// done. Sources never modify their input.
type Source interface {
	Recommendations(ctx context.Context, out chan<- Recommendation) error
}

// FileSource reads recommendations from a YAML, JSON or JSON-lines file.
type FileSource struct {
	Path string
}

// Recommendations sends every record in the file, in file order.
func (s FileSource) Recommendations(ctx context.Context, out chan<- Recommendation) error {
	recs, err := LoadFile(s.Path)
	if err != nil {
		return err
	}
	for _, r := range recs {
		select {
		case out <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// LoadFile parses and validates all recommendations in path. The format is
// chosen by extension: .jsonl/.ndjson, .json, or .yaml/.yml. YAML may be a
// bare list or a mapping with a "recommendations" key.
func LoadFile(path string) ([]Recommendation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recommendations: %w", err)
	}

	var recs []Recommendation
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		recs, err = parseJSONLines(data)
	case ".json":
		err = json.Unmarshal(data, &recs)
	case ".yaml", ".yml":
		recs, err = parseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported recommendation file %s (want .yaml, .json or .jsonl)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate recommendation id %q in %s", r.ID, path)
		}
		seen[r.ID] = true
	}
	return recs, nil
}

func parseJSONLines(data []byte) ([]Recommendation, error) {
	var recs []Recommendation
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		var r Recommendation
		if err := json.Unmarshal(text, &r); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, r)
	}
	return recs, sc.Err()
}

func parseYAML(data []byte) ([]Recommendation, error) {
	var list []Recommendation
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc struct {
		Recommendations []Recommendation `yaml:"recommendations"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Recommendations, nil
}

// Find returns the recommendation with the given id.
func Find(recs []Recommendation, id string) (Recommendation, bool) {
	for _, r := range recs {
		if r.ID == id {
			return r, true
		}
	}
	return Recommendation{}, false
}
