package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// copyEncoderScript copies the -i argument to the last non-flag argument,
// which is where the encoder is told to write.
const copyEncoderScript = `src=""; dst=""; prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then src="$a"; fi
  case "$a" in -*) ;; *) dst="$a";; esac
  prev="$a"
done
cp "$src" "$dst"
`

const failingEncoderScript = `for i in 1 2 3 4 5 6 7 8 9 10 11 12; do echo "stderr line $i" >&2; done
echo "Invalid data found when processing input" >&2
exit 1
`

// argsEncoderScript writes its own arguments into the output file using
// shell builtins only, so it runs with an empty PATH.
const argsEncoderScript = `dst=""
for a in "$@"; do
  case "$a" in -*) ;; *) dst="$a";; esac
done
printf '%s\n' "$@" > "$dst"
`

func writeFakeEncoder(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake encoder needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("writing fake encoder: %v", err)
	}
	return path
}

func TestEncoderConvertSuccess(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "joined.ts")
	if err := os.WriteFile(input, []byte("transport stream"), 0o644); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(dir, "lecture.mp4")

	enc := encoder{binary: writeFakeEncoder(t, copyEncoderScript)}
	if err := enc.Convert(context.Background(), input, output, "Week 1"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if string(data) != "transport stream" {
		t.Fatalf("unexpected output %q", data)
	}
	if _, err := os.Stat(partialPath(output)); !os.IsNotExist(err) {
		t.Fatalf("part file should be gone, stat err = %v", err)
	}
}

func TestEncoderConvertRunsConfiguredBinary(t *testing.T) {
	binary := writeFakeEncoder(t, argsEncoderScript)
	// nothing called ffmpeg can be found from here on
	t.Setenv("PATH", t.TempDir())

	dir := t.TempDir()
	input := filepath.Join(dir, "joined.ts")
	if err := os.WriteFile(input, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(dir, "lecture.mp4")

	resolved, err := lookupEncoder(binary)
	if err != nil {
		t.Fatalf("lookupEncoder: %v", err)
	}
	enc := encoder{binary: resolved}
	if err := enc.Convert(context.Background(), input, output, "Week 1"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	args := strings.Split(strings.TrimSpace(string(data)), "\n")
	want := []string{"-i", input, "-c", "copy", "-metadata", "title=Week 1", partialPath(output), "-y"}
	if strings.Join(args, "|") != strings.Join(want, "|") {
		t.Fatalf("encoder args = %q, want %q", args, want)
	}
}

func TestEncoderConvertFailure(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "joined.ts")
	if err := os.WriteFile(input, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(dir, "lecture.mp4")

	enc := encoder{binary: writeFakeEncoder(t, failingEncoderScript)}
	err := enc.Convert(context.Background(), input, output, "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if CategoryOf(err) != CategoryEncoder {
		t.Fatalf("expected encoder category, got %s", CategoryOf(err))
	}
	if ExitCode(err) != 8 {
		t.Fatalf("expected exit code 8, got %d", ExitCode(err))
	}
	msg := err.Error()
	if !strings.Contains(msg, "Invalid data found") {
		t.Fatalf("error should carry the stderr tail: %s", msg)
	}
	if strings.Contains(msg, "stderr line 1\n") {
		t.Fatalf("stderr tail should be bounded: %s", msg)
	}
	for _, path := range []string{output, partialPath(output)} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("%s should not exist after a failed encode", path)
		}
	}
}

func TestEncoderConvertEmptyOutput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "joined.ts")
	if err := os.WriteFile(input, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(dir, "lecture.mp4")
	script := `for a in "$@"; do dst="$a"; done
: > "` + partialPath(output) + `"
`
	enc := encoder{binary: writeFakeEncoder(t, script)}
	err := enc.Convert(context.Background(), input, output, "")
	if CategoryOf(err) != CategoryEncoder || !strings.Contains(err.Error(), "no output") {
		t.Fatalf("expected empty output error, got %v", err)
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Fatal("empty output must not be moved into place")
	}
}

func TestLookupEncoderMissing(t *testing.T) {
	_, err := lookupEncoder("definitely-not-an-encoder-binary")
	if !errors.Is(err, ErrEncoderNotFound) {
		t.Fatalf("expected ErrEncoderNotFound, got %v", err)
	}
	if CategoryOf(err) != CategoryEncoder {
		t.Fatalf("expected encoder category, got %s", CategoryOf(err))
	}
	if !strings.Contains(err.Error(), "--no-convert") {
		t.Fatalf("error should mention --no-convert: %v", err)
	}
}

func TestPartialPath(t *testing.T) {
	tests := map[string]string{
		"/out/video.mp4": "/out/video.part.mp4",
		"video":          "video.part",
		"a.b.ts":         "a.b.part.ts",
	}
	for in, want := range tests {
		if got := partialPath(in); got != want {
			t.Errorf("partialPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatStderrTail(t *testing.T) {
	if got := formatStderrTail("  \n"); got != "" {
		t.Fatalf("blank stderr should format to nothing, got %q", got)
	}
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, strings.Repeat("x", i+1))
	}
	got := formatStderrTail(strings.Join(lines, "\n"))
	if n := strings.Count(got, "\n"); n != stderrTailLines {
		t.Fatalf("expected %d lines, got %d: %q", stderrTailLines, n, got)
	}
	if !strings.HasSuffix(got, lines[19]) {
		t.Fatalf("tail should end with the last line: %q", got)
	}
}
