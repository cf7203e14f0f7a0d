package downloader

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DefaultOutputDir = "downloads"
	DefaultEncoder   = "ffmpeg"
	DefaultTimeout   = 30 * time.Second
	DefaultRetries   = 3

	defaultRetryDelay    = 500 * time.Millisecond
	maxResolveDepth      = 3
	segmentFileTemplate  = "segment-%06d.ts"
	joinedSegmentsFile   = "joined.ts"
	workDirPrefix        = "mediaspace-dl-"
	defaultOutputName    = "video"
	defaultOutputExt     = ".mp4"
	rawOutputExt         = ".ts"
	partialOutputPostfix = ".part"
)

// Options describes CLI behavior for a download run.
type Options struct {
	// Output is the requested file name or path. Empty means derive it from the URL.
	Output    string
	OutputDir string
	OnExists  ExistingPolicy

	Debug    bool
	Quiet    bool
	LogLevel string

	// LogOutput receives logs, progress and the result line. Nil means stderr.
	LogOutput io.Writer

	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	UserAgent  string
	Headers    map[string]string

	Variant VariantPolicy

	// Encoder is the ffmpeg binary name or path.
	Encoder   string
	NoConvert bool
	Title     string

	// TempDir overrides the parent directory of the per-run work directory.
	TempDir string
}

func (o Options) withDefaults() Options {
	if o.OutputDir == "" {
		o.OutputDir = DefaultOutputDir
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Encoder == "" {
		o.Encoder = DefaultEncoder
	}
	o.OnExists = o.OnExists.OrDefault()
	o.Variant = o.Variant.OrDefault()
	if o.Debug {
		o.LogLevel = "debug"
	}
	return o
}

// LoadHeaders reads a JSON object of HTTP headers from path.
func LoadHeaders(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapCategory(CategoryFilesystem, fmt.Errorf("reading headers file: %w", err))
	}
	var headers map[string]string
	if err := json.Unmarshal(data, &headers); err != nil {
		return nil, fmt.Errorf("parsing headers file: %w", err)
	}
	return headers, nil
}

// ParseHeader splits a "Name: value" pair as passed on the command line.
func ParseHeader(raw string) (string, string, error) {
	name, value, ok := strings.Cut(raw, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid header %q (expected \"Name: value\")", raw)
	}
	return name, strings.TrimSpace(value), nil
}
