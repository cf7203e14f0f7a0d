package downloader

import (
	"context"
	"errors"
)

// ErrorCategory classifies a failure so the CLI can pick an exit code.
type ErrorCategory string

const (
	CategoryUnknown     ErrorCategory = "unknown"
	CategoryInvalidURL  ErrorCategory = "invalid_url"
	CategoryNetwork     ErrorCategory = "network"
	CategoryPlaylist    ErrorCategory = "playlist"
	CategoryNotFound    ErrorCategory = "not_found"
	CategoryUnsupported ErrorCategory = "unsupported"
	CategoryFilesystem  ErrorCategory = "filesystem"
	CategoryEncoder     ErrorCategory = "encoder"
	CategoryCapture     ErrorCategory = "capture"
	CategoryInterrupted ErrorCategory = "interrupted"
)

// CategorizedError attaches an ErrorCategory to an underlying error.
type CategorizedError struct {
	Category ErrorCategory
	Err      error
}

func (e CategorizedError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e CategorizedError) Unwrap() error {
	return e.Err
}

func wrapCategory(category ErrorCategory, err error) error {
	if err == nil {
		return nil
	}
	// keep the innermost category
	var existing CategorizedError
	if errors.As(err, &existing) {
		return err
	}
	return CategorizedError{Category: category, Err: err}
}

// CategoryOf returns the category of err, or CategoryUnknown.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	// cancellation wins over whatever layer noticed it
	if errors.Is(err, context.Canceled) {
		return CategoryInterrupted
	}
	var categorized CategorizedError
	if errors.As(err, &categorized) {
		return categorized.Category
	}
	return CategoryUnknown
}

var exitCodes = map[ErrorCategory]int{
	CategoryUnknown:     1,
	CategoryInvalidURL:  2,
	CategoryNetwork:     3,
	CategoryPlaylist:    4,
	CategoryNotFound:    5,
	CategoryUnsupported: 6,
	CategoryFilesystem:  7,
	CategoryEncoder:     8,
	CategoryCapture:     9,
	CategoryInterrupted: 130,
}

// ExitCode maps an error to the process exit status. nil maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := exitCodes[CategoryOf(err)]; ok {
		return code
	}
	return 1
}

type reportedError struct {
	err error
}

func (e reportedError) Error() string {
	return e.err.Error()
}

func (e reportedError) Unwrap() error {
	return e.err
}

func markReported(err error) error {
	if err == nil {
		return nil
	}
	return reportedError{err: err}
}

// IsReported returns true if the error has already been printed to stderr.
func IsReported(err error) bool {
	var re reportedError
	return errors.As(err, &re)
}
