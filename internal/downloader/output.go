package downloader

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// ExistingPolicy decides what happens when the output file already exists.
type ExistingPolicy string

const (
	ExistingOverwrite ExistingPolicy = "overwrite"
	ExistingSkip      ExistingPolicy = "skip"
	ExistingRename    ExistingPolicy = "rename"
)

func ParseExistingPolicy(raw string) (ExistingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ExistingOverwrite):
		return ExistingOverwrite, nil
	case string(ExistingSkip):
		return ExistingSkip, nil
	case string(ExistingRename):
		return ExistingRename, nil
	default:
		return "", fmt.Errorf("invalid on-exists policy %q (want overwrite, skip or rename)", raw)
	}
}

func (p ExistingPolicy) OrDefault() ExistingPolicy {
	normalized, err := ParseExistingPolicy(string(p))
	if err != nil {
		return ExistingOverwrite
	}
	return normalized
}

var unsafeNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)

func sanitize(name string) string {
	clean := unsafeNameChars.ReplaceAllString(name, "-")
	clean = strings.Trim(strings.TrimSpace(clean), ".")
	if clean == "" {
		return defaultOutputName
	}
	return clean
}

// outputNameFromURL derives a file name from the last path element of the
// input URL, e.g. /media/L5+3000A/1_3e140s7n -> 1_3e140s7n.mp4.
func outputNameFromURL(rawURL, ext string) string {
	name := defaultOutputName
	if parsed, err := url.Parse(rawURL); err == nil {
		trimmed := strings.Trim(parsed.Path, "/")
		if trimmed != "" {
			base := path.Base(trimmed)
			if unescaped, err := url.PathUnescape(base); err == nil {
				base = unescaped
			}
			base = strings.NewReplacer("+", "_", " ", "_").Replace(base)
			base = strings.TrimSuffix(base, filepath.Ext(base))
			if base != "" {
				name = base
			}
		}
	}
	return sanitize(name) + ext
}

// resolveOutputPath places requested (or an auto name) under dir. A requested
// name that already carries a directory is used as given.
func resolveOutputPath(requested, dir, rawURL string, noConvert bool) string {
	ext := defaultOutputExt
	if noConvert {
		ext = rawOutputExt
	}
	if requested == "" {
		return filepath.Join(dir, outputNameFromURL(rawURL, ext))
	}
	name := requested
	if noConvert {
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ext
	} else if filepath.Ext(name) == "" {
		name += ext
	}
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) || strings.Contains(name, "/") {
		return filepath.Clean(name)
	}
	return filepath.Join(dir, name)
}

// applyExistingPolicy returns the path to write to and whether the run should be skipped.
func applyExistingPolicy(target string, policy ExistingPolicy) (string, bool, error) {
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return target, false, nil
		}
		return "", false, wrapCategory(CategoryFilesystem, err)
	}
	if info.IsDir() {
		return "", false, wrapCategory(CategoryFilesystem, fmt.Errorf("output path is a directory: %s", target))
	}
	switch policy.OrDefault() {
	case ExistingSkip:
		return target, true, nil
	case ExistingRename:
		next, err := nextAvailablePath(target)
		if err != nil {
			return "", false, wrapCategory(CategoryFilesystem, err)
		}
		return next, false, nil
	default:
		return target, false, nil
	}
}

func nextAvailablePath(target string) (string, error) {
	dir := filepath.Dir(target)
	base := filepath.Base(target)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)

	for i := 1; i < 10000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", name, i, ext))
		if _, err := os.Stat(candidate); err != nil {
			if os.IsNotExist(err) {
				return candidate, nil
			}
			return "", err
		}
	}
	return "", fmt.Errorf("unable to find available filename for %s", target)
}

func readHeader(path string, size int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	buf := make([]byte, size)
	n, err := file.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// validateOutputFile sniffs the container of a finished file. A mismatch is
// reported but the file is kept.
func validateOutputFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("stat output: %w", err))
	}
	if info.Size() == 0 {
		return wrapCategory(CategoryEncoder, fmt.Errorf("output file is empty"))
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v", ".mov":
		return validateMP4(path)
	case ".ts":
		return validateMPEGTS(path)
	}
	return nil
}

func validateMP4(path string) error {
	header, err := readHeader(path, 12)
	if err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("read mp4 header: %w", err))
	}
	if len(header) < 8 || string(header[4:8]) != "ftyp" {
		return wrapCategory(CategoryEncoder, fmt.Errorf("invalid mp4 header"))
	}
	body, err := readHeader(path, 1024*1024)
	if err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("read mp4 body: %w", err))
	}
	if !bytes.Contains(body, []byte("moov")) && !bytes.Contains(body, []byte("moof")) {
		return wrapCategory(CategoryEncoder, fmt.Errorf("missing moov/moof atom"))
	}
	return nil
}

func validateMPEGTS(path string) error {
	header, err := readHeader(path, 189)
	if err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("read ts header: %w", err))
	}
	if len(header) < 1 || header[0] != 0x47 {
		return wrapCategory(CategoryUnsupported, fmt.Errorf("invalid transport stream header"))
	}
	if len(header) >= 189 && header[188] != 0x47 {
		return wrapCategory(CategoryUnsupported, fmt.Errorf("invalid transport stream sync"))
	}
	return nil
}

// moveFile renames src to dst, falling back to a copy across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return wrapCategory(CategoryFilesystem, err)
	}
	defer in.Close()
	part := partialPath(dst)
	out, err := os.Create(part)
	if err != nil {
		return wrapCategory(CategoryFilesystem, err)
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		os.Remove(part)
		return wrapCategory(CategoryFilesystem, fmt.Errorf("copying output: %w", err))
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return wrapCategory(CategoryFilesystem, err)
	}
	if err := os.Rename(part, dst); err != nil {
		os.Remove(part)
		return wrapCategory(CategoryFilesystem, err)
	}
	return nil
}
