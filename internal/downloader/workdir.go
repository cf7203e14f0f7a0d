package downloader

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// workDir is the per-run scratch directory holding segments and the joined stream.
type workDir struct {
	Path  string
	RunID string
}

func newWorkDir(parent string) (*workDir, error) {
	runID := uuid.NewString()
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, wrapCategory(CategoryFilesystem, fmt.Errorf("creating temp parent: %w", err))
		}
	}
	path, err := os.MkdirTemp(parent, workDirPrefix+runID[:8]+"-")
	if err != nil {
		return nil, wrapCategory(CategoryFilesystem, fmt.Errorf("creating work dir: %w", err))
	}
	return &workDir{Path: path, RunID: runID}, nil
}

// Remove deletes the directory and everything in it. Safe to call twice.
func (w *workDir) Remove() error {
	if w == nil || w.Path == "" {
		return nil
	}
	if err := os.RemoveAll(w.Path); err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("removing work dir: %w", err))
	}
	return nil
}
