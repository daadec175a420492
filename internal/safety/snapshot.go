package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileState is the captured pre-run state of one file.
type FileState struct {
	Path    string      `json:"path"` // slash-separated, relative to the snapshot root
	Existed bool        `json:"existed"`
	Mode    os.FileMode `json:"mode,omitempty"`
	Content []byte      `json:"content,omitempty"`
	Hash    string      `json:"hash"`
}

// Snapshot records the original contents of every file a run is about to
// write so the working tree can be put back exactly.
type Snapshot struct {
	Root    string      `json:"root"`
	Files   []FileState `json:"files"`
	TakenAt string      `json:"taken_at"`
}

// NewSnapshot creates an empty snapshot for root.
func NewSnapshot(root string) *Snapshot {
	return &Snapshot{Root: root, TakenAt: time.Now().UTC().Format(time.RFC3339)}
}

func (s *Snapshot) abs(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", rel, s.Root)
	}
	return filepath.Join(s.Root, clean), nil
}

// Tracked reports whether rel has been captured.
func (s *Snapshot) Tracked(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	for _, f := range s.Files {
		if f.Path == rel {
			return true
		}
	}
	return false
}

// Paths returns the tracked paths in order.
func (s *Snapshot) Paths() []string {
	out := make([]string, len(s.Files))
	for i, f := range s.Files {
		out[i] = f.Path
	}
	return out
}

// Track captures the current state of each path not yet tracked. It must be
// called before the run first writes a path.
func (s *Snapshot) Track(paths ...string) error {
	for _, rel := range paths {
		if s.Tracked(rel) {
			continue
		}
		abs, err := s.abs(rel)
		if err != nil {
			return err
		}
		fs := FileState{Path: filepath.ToSlash(filepath.Clean(rel))}
		info, err := os.Stat(abs)
		switch {
		case errors.Is(err, os.ErrNotExist):
			fs.Hash = absentHash
		case err != nil:
			return fmt.Errorf("stat %s: %w", rel, err)
		case info.IsDir():
			return fmt.Errorf("%s is a directory", rel)
		default:
			data, err := os.ReadFile(abs)
			if err != nil {
				return fmt.Errorf("read %s: %w", rel, err)
			}
			fs.Existed = true
			fs.Mode = info.Mode().Perm()
			fs.Content = data
			fs.Hash = hashBytes(data)
		}
		s.Files = append(s.Files, fs)
	}
	return nil
}

const absentHash = "absent"

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Restore puts every tracked file back. Originals are first staged into temp
// files beside their targets; only when every stage succeeds are they renamed
// into place, so a staging failure leaves the tree untouched. Files that did
// not exist before the run are removed.
func (s *Snapshot) Restore() error {
	type staged struct{ tmp, target string }
	var ready []staged
	cleanup := func() {
		for _, st := range ready {
			os.Remove(st.tmp)
		}
	}

	for _, f := range s.Files {
		if !f.Existed {
			continue
		}
		target, err := s.abs(f.Path)
		if err != nil {
			cleanup()
			return err
		}
		dir := filepath.Dir(target)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			cleanup()
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
		tmp, err := os.CreateTemp(dir, ".rollback-*")
		if err != nil {
			cleanup()
			return fmt.Errorf("stage %s: %w", f.Path, err)
		}
		ready = append(ready, staged{tmp: tmp.Name(), target: target})
		_, werr := tmp.Write(f.Content)
		cerr := tmp.Close()
		if werr == nil {
			werr = cerr
		}
		if werr == nil {
			werr = os.Chmod(tmp.Name(), f.Mode)
		}
		if werr != nil {
			cleanup()
			return fmt.Errorf("stage %s: %w", f.Path, werr)
		}
	}

	var errs []error
	for _, st := range ready {
		if err := os.Rename(st.tmp, st.target); err != nil {
			os.Remove(st.tmp)
			errs = append(errs, fmt.Errorf("restore %s: %w", st.target, err))
		}
	}
	for _, f := range s.Files {
		if f.Existed {
			continue
		}
		target, err := s.abs(f.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", f.Path, err))
			continue
		}
		s.pruneEmptyDirs(filepath.Dir(target))
	}
	return errors.Join(errs...)
}

// pruneEmptyDirs removes directories left empty by deleting created files,
// stopping at the root.
func (s *Snapshot) pruneEmptyDirs(dir string) {
	root := filepath.Clean(s.Root)
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Verify checks by content hash that every tracked file matches its
// captured state.
func (s *Snapshot) Verify() error {
	var mismatched []string
	for _, f := range s.Files {
		target, err := s.abs(f.Path)
		if err != nil {
			return err
		}
		got, err := fileHash(target)
		if err != nil {
			return err
		}
		if got != f.Hash {
			mismatched = append(mismatched, f.Path)
		}
	}
	if len(mismatched) > 0 {
		sort.Strings(mismatched)
		return fmt.Errorf("rollback verification failed for %s", strings.Join(mismatched, ", "))
	}
	return nil
}

// Digest is a combined hash of the captured state of all tracked paths.
func (s *Snapshot) Digest() string {
	h := sha256.New()
	files := append([]FileState(nil), s.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%s\n", f.Path, f.Hash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CurrentDigest hashes the current state of the given paths the same way
// Digest hashes the captured state.
func CurrentDigest(root string, paths []string) (string, error) {
	s := &Snapshot{Root: root}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, p := range sorted {
		abs, err := s.abs(p)
		if err != nil {
			return "", err
		}
		got, err := fileHash(abs)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%s\n", filepath.ToSlash(filepath.Clean(p)), got)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return absentHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hashBytes(data), nil
}
