package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// concatSegments appends the segment files, in order, into dest and returns
// the number of bytes written.
func concatSegments(ctx context.Context, paths []string, dest string) (int64, error) {
	out, err := os.Create(dest)
	if err != nil {
		return 0, wrapCategory(CategoryFilesystem, fmt.Errorf("creating %s: %w", filepath.Base(dest), err))
	}

	var total int64
	for _, path := range paths {
		n, err := appendFile(ctx, out, path)
		total += n
		if err != nil {
			out.Close()
			return total, err
		}
	}
	if err := out.Close(); err != nil {
		return total, wrapCategory(CategoryFilesystem, fmt.Errorf("closing %s: %w", filepath.Base(dest), err))
	}
	return total, nil
}

func appendFile(ctx context.Context, out *os.File, path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, wrapCategory(CategoryFilesystem, fmt.Errorf("opening segment: %w", err))
	}
	defer in.Close()
	n, err := copyWithContext(ctx, out, in)
	if err != nil {
		return n, wrapCategory(CategoryFilesystem, fmt.Errorf("assembling segments: %w", err))
	}
	return n, nil
}
