package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Result describes a finished (or skipped) run.
type Result struct {
	PageURL     string
	PlaylistURL string
	OutputPath  string
	Variant     *Variant
	Segments    int
	// SegmentBytes is the size of the concatenated stream; Bytes is the final file size.
	SegmentBytes int64
	Bytes        int64
	Duration     time.Duration
	Skipped      bool
}

// Process resolves rawURL to a media playlist, downloads its segments into a
// scratch directory, joins them and converts the result into the output file.
// The scratch directory is removed on every path out of Process.
func Process(ctx context.Context, rawURL string, opts Options) (Result, error) {
	opts = opts.withDefaults()
	printer := newPrinter(opts, opts.LogOutput)

	result, err := process(ctx, rawURL, opts, printer)
	if result.Skipped {
		printer.ItemSkipped(result.OutputPath, "already exists")
		return result, nil
	}
	printer.ItemResult(result, err)
	if err != nil {
		return result, markReported(err)
	}
	printer.Summary(result)
	return result, nil
}

func process(ctx context.Context, rawURL string, opts Options, printer *Printer) (Result, error) {
	var result Result
	target, err := validateInputURL(rawURL)
	if err != nil {
		return result, err
	}
	result.PageURL = target

	var encoderPath string
	if !opts.NoConvert {
		if encoderPath, err = lookupEncoder(opts.Encoder); err != nil {
			return result, err
		}
		printer.Log(LogDebug, "using encoder", "path", encoderPath)
	}

	client := newHTTPClient(opts)
	defer CloseIdleConnections()

	resolved, err := locatePlaylist(ctx, client, target, opts, printer)
	if err != nil {
		return result, err
	}
	playlist := resolved.Playlist
	result.PlaylistURL = playlist.URL
	result.Variant = resolved.Variant
	result.Segments = len(playlist.Segments)
	result.Duration = time.Duration(playlist.TotalDuration() * float64(time.Second))
	if err := checkEncryption(playlist); err != nil {
		return result, err
	}
	printer.Log(LogInfo, "playlist resolved",
		"segments", len(playlist.Segments),
		"duration", formatDurationShort(result.Duration),
		"encrypted", playlist.Encrypted)

	output := resolveOutputPath(opts.Output, opts.OutputDir, target, opts.NoConvert)
	output, skip, err := applyExistingPolicy(output, opts.OnExists)
	if err != nil {
		return result, err
	}
	result.OutputPath = output
	if skip {
		result.Skipped = true
		return result, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return result, wrapCategory(CategoryFilesystem, fmt.Errorf("creating output dir: %w", err))
	}

	work, err := newWorkDir(opts.TempDir)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := work.Remove(); err != nil {
			printer.Log(LogWarn, "could not clean up", "dir", work.Path, "err", err)
		}
	}()
	printer.Log(LogDebug, "work dir", "path", work.Path, "run", work.RunID)

	stopView := printer.startProgressView(ctx, opts)
	progress := printer.startProgress(filepath.Base(output), len(playlist.Segments))
	paths, err := newSegmentDownloader(client, opts, work.Path, printer).DownloadAll(ctx, playlist, progress)
	stopView()
	if err != nil {
		return result, err
	}

	joined := filepath.Join(work.Path, joinedSegmentsFile)
	written, err := concatSegments(ctx, paths, joined)
	if err != nil {
		return result, err
	}
	result.SegmentBytes = written
	printer.Log(LogDebug, "segments joined", "bytes", written)

	if opts.NoConvert {
		if err := moveFile(joined, output); err != nil {
			return result, err
		}
	} else {
		printer.Log(LogInfo, "converting", "output", output)
		if err := (encoder{binary: encoderPath, printer: printer}).Convert(ctx, joined, output, opts.Title); err != nil {
			return result, err
		}
	}

	if info, err := os.Stat(output); err == nil {
		result.Bytes = info.Size()
	}
	if err := validateOutputFile(output); err != nil {
		printer.Log(LogWarn, "output container looks unusual", "path", output, "err", err)
	}
	return result, nil
}

// locatePlaylist turns the input URL into a resolved media playlist. HTML
// pages go through discovery first.
func locatePlaylist(ctx context.Context, client *http.Client, target string, opts Options, printer *Printer) (resolution, error) {
	if parsed, err := url.Parse(target); err == nil {
		printer.Log(LogInfo, "fetching", "host", normalizeHostname(parsed), "url", redactURL(target))
	}
	doc, err := fetchDocument(ctx, client, target)
	if err != nil {
		return resolution{}, err
	}
	res := &resolver{client: client, printer: printer, policy: opts.Variant}
	if doc.isPlaylist() {
		return res.resolveDocument(ctx, doc)
	}

	printer.Log(LogInfo, "not a playlist, searching the page")
	found, err := (&discoverer{client: client, printer: printer}).Discover(ctx, doc)
	if err != nil {
		return resolution{}, fmt.Errorf("%w; run capture-m3u8 on the page to sniff it with a browser", err)
	}
	printer.Log(LogInfo, "found playlist", "url", redactURL(found))
	return res.Resolve(ctx, found)
}
