package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lvcoi/mediaspace-dl/internal/downloader"
)

func TestInputURLPrefersExplicitURL(t *testing.T) {
	got, err := inputURL(Request{URL: "https://cdn.example.edu/a.m3u8", CaptureFile: "/does/not/exist"})
	if err != nil || got != "https://cdn.example.edu/a.m3u8" {
		t.Fatalf("inputURL = %q, %v", got, err)
	}
}

func TestInputURLReadsCaptureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captured_m3u8_url.txt")
	if err := os.WriteFile(path, []byte("\nhttps://cdn.example.edu/p/1/a.m3u8?ks=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := inputURL(Request{CaptureFile: path})
	if err != nil {
		t.Fatalf("inputURL: %v", err)
	}
	if got != "https://cdn.example.edu/p/1/a.m3u8?ks=1" {
		t.Fatalf("inputURL = %q", got)
	}
}

func TestRunWithoutURLOrCaptureFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "captured_m3u8_url.txt")
	res, code := Run(context.Background(), Request{CaptureFile: missing})
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if res.Category != string(downloader.CategoryInvalidURL) {
		t.Fatalf("category = %q", res.Category)
	}
	if !strings.Contains(res.Error, "capture-m3u8") {
		t.Fatalf("error should explain how to get a URL: %q", res.Error)
	}
}

func TestRunReportsDownloaderFailure(t *testing.T) {
	var logs bytes.Buffer
	res, code := Run(context.Background(), Request{
		URL: "ftp://example.edu/a.m3u8",
		Options: downloader.Options{
			Quiet:     true,
			LogOutput: &logs,
		},
	})
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if res.URL != "ftp://example.edu/a.m3u8" || res.Err == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if !downloader.IsReported(res.Err) {
		t.Fatal("downloader failures are printed by the downloader")
	}
}
