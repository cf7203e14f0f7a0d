package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/lvcoi/mediaspace-dl/internal/downloader"
)

func parseFlags(t *testing.T, args ...string) (*cliFlags, []string) {
	t.Helper()
	var f cliFlags
	flags := pflag.NewFlagSet("mediaspace-dl", pflag.ContinueOnError)
	f.bind(flags)
	if err := flags.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return &f, flags.Args()
}

func TestRequestFromFlags(t *testing.T) {
	t.Setenv(envCookie, "kms=abc")
	t.Setenv(envOutputDir, "")

	f, args := parseFlags(t,
		"-d", "lectures",
		"--on-exists", "rename",
		"--variant", "lowest",
		"-H", "Referer: https://mediaspace.example.edu/",
		"--json",
		"https://mediaspace.example.edu/media/x/1_a", "week1",
	)
	req, err := f.request(args)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.URL != "https://mediaspace.example.edu/media/x/1_a" || req.Options.Output != "week1" {
		t.Fatalf("positional args not applied: %+v", req)
	}
	if req.Options.OutputDir != "lectures" {
		t.Fatalf("output dir = %q", req.Options.OutputDir)
	}
	if req.Options.OnExists != downloader.ExistingRename || req.Options.Variant != downloader.VariantLowest {
		t.Fatalf("policies not parsed: %+v", req.Options)
	}
	if !req.Options.Quiet {
		t.Fatal("--json implies quiet")
	}
	if req.Options.Headers["Cookie"] != "kms=abc" || req.Options.Headers["Referer"] != "https://mediaspace.example.edu/" {
		t.Fatalf("headers = %v", req.Options.Headers)
	}
}

func TestRequestRejectsBadValues(t *testing.T) {
	for _, args := range [][]string{
		{"--on-exists", "ask"},
		{"--variant", "best"},
		{"--log-level", "loud"},
		{"-H", "not-a-header"},
	} {
		f, rest := parseFlags(t, args...)
		if _, err := f.request(rest); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestRequestHeadersFile(t *testing.T) {
	t.Setenv(envCookie, "")
	path := filepath.Join(t.TempDir(), "headers.json")
	if err := os.WriteFile(path, []byte(`{"Cookie":"from-file","X-Test":"1"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	f, args := parseFlags(t, "--headers-file", path, "-H", "X-Test: 2")
	req, err := f.request(args)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Options.Headers["Cookie"] != "from-file" || req.Options.Headers["X-Test"] != "2" {
		t.Fatalf("command line headers should override the file: %v", req.Options.Headers)
	}
}

func TestExecuteMissingCaptureFileJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "captured.txt")
	code := execute(context.Background(), []string{"--json", "--capture-file", missing}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2 (stderr %q)", code, stderr.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		t.Fatalf("stdout is not JSON: %v (%q)", err, stdout.String())
	}
	if payload["status"] != "error" || payload["category"] != "invalid_url" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestExecuteTooManyArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"a", "b", "c"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "error:") {
		t.Fatalf("expected usage error on stderr, got %q", stderr.String())
	}
}
