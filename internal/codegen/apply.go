package codegen

import (
	"fmt"
	"path/filepath"

	"github.com/lucasnoah/recdeploy/internal/record"
)

// Apply writes every change under root, keeping the mode of files that
// already existed. The caller must have snapshotted the paths first.
func Apply(root string, files []FileChange) error {
	for _, f := range files {
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		dst := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := record.WriteAtomicMode(dst, []byte(f.Content), mode); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return nil
}
