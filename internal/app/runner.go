package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/lvcoi/mediaspace-dl/internal/capture"
	"github.com/lvcoi/mediaspace-dl/internal/downloader"
)

// Request is one invocation of the downloader.
type Request struct {
	// URL is a portal page or playlist URL. Empty means use CaptureFile.
	URL         string
	CaptureFile string
	Options     downloader.Options
}

type Result struct {
	URL      string `json:"url"`
	Output   string `json:"output,omitempty"`
	Playlist string `json:"playlist,omitempty"`
	Segments int    `json:"segments,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`
}

// Run resolves the input URL and downloads it, returning the result and the
// process exit code.
func Run(ctx context.Context, req Request) (Result, int) {
	url, err := inputURL(req)
	if err != nil {
		return failed(Result{URL: url}, err)
	}

	res, err := downloader.Process(ctx, url, req.Options)
	out := Result{
		URL:      url,
		Output:   res.OutputPath,
		Playlist: res.PlaylistURL,
		Segments: res.Segments,
		Bytes:    res.Bytes,
		Skipped:  res.Skipped,
	}
	if err != nil {
		return failed(out, err)
	}
	if ctx.Err() != nil {
		return out, downloader.ExitCode(ctx.Err())
	}
	return out, 0
}

func failed(res Result, err error) (Result, int) {
	res.Err = err
	res.Error = err.Error()
	res.Category = string(downloader.CategoryOf(err))
	return res, downloader.ExitCode(err)
}

func inputURL(req Request) (string, error) {
	if req.URL != "" {
		return req.URL, nil
	}
	path := req.CaptureFile
	if path == "" {
		path = capture.ResultFile
	}
	url, err := capture.ReadResult(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("no URL given and %s does not exist (run capture-m3u8 <page-url> first)", path)
		}
		return "", downloader.CategorizedError{Category: downloader.CategoryInvalidURL, Err: err}
	}
	return url, nil
}
