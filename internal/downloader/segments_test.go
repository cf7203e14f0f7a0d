package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSegmentDownloader(t *testing.T, retries int) *segmentDownloader {
	t.Helper()
	opts := Options{Retries: retries, RetryDelay: time.Millisecond}.withDefaults()
	client := newHTTPClientWithBase(http.DefaultTransport, opts)
	return newSegmentDownloader(client, opts, t.TempDir(), nil)
}

func segmentsFor(base string, names ...string) []Segment {
	segments := make([]Segment, len(names))
	for i, name := range names {
		segments[i] = Segment{Index: i, URI: base + "/" + name, Sequence: uint64(i)}
	}
	return segments
}

func TestDownloadAllKeepsPlaylistOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "payload of %s", strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer server.Close()

	d := newTestSegmentDownloader(t, 0)
	playlist := Playlist{Segments: segmentsFor(server.URL, "c.ts", "a.ts", "b.ts")}
	paths, err := d.DownloadAll(context.Background(), playlist, nil)
	if err != nil {
		t.Fatalf("DownloadAll: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 paths, got %d", len(paths))
	}
	for i, want := range []string{"c.ts", "a.ts", "b.ts"} {
		if filepath.Base(paths[i]) != fmt.Sprintf(segmentFileTemplate, i) {
			t.Fatalf("path %d = %s", i, paths[i])
		}
		data, err := os.ReadFile(paths[i])
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "payload of "+want {
			t.Fatalf("segment %d content = %q", i, data)
		}
	}
}

func TestDownloadAllRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts[r.URL.Path]++
		n := attempts[r.URL.Path]
		mu.Unlock()
		switch {
		case r.URL.Path == "/flaky.ts" && n == 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case r.URL.Path == "/short.ts" && n == 1:
			// promise more than we send so the client sees a truncated body
			w.Header().Set("Content-Length", "100")
			w.Write([]byte("partial"))
		default:
			w.Write(bytes.Repeat([]byte{'x'}, 100))
		}
	}))
	defer server.Close()

	d := newTestSegmentDownloader(t, 2)
	playlist := Playlist{Segments: segmentsFor(server.URL, "flaky.ts", "short.ts")}
	paths, err := d.DownloadAll(context.Background(), playlist, nil)
	if err != nil {
		t.Fatalf("DownloadAll: %v", err)
	}
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Size() != 100 {
			t.Fatalf("%s has %d bytes, want 100", path, info.Size())
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts["/flaky.ts"] != 2 || attempts["/short.ts"] != 2 {
		t.Fatalf("unexpected attempts %v", attempts)
	}
}

func TestDownloadAllAbortsOnMissingSegment(t *testing.T) {
	var later int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gone.ts":
			http.NotFound(w, r)
		case "/after.ts":
			atomic.AddInt32(&later, 1)
			w.Write([]byte("x"))
		default:
			w.Write([]byte("ok"))
		}
	}))
	defer server.Close()

	d := newTestSegmentDownloader(t, 3)
	playlist := Playlist{Segments: segmentsFor(server.URL, "first.ts", "gone.ts", "after.ts")}
	_, err := d.DownloadAll(context.Background(), playlist, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "segment 2/3 failed") {
		t.Fatalf("error should name the segment: %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if CategoryOf(err) != CategoryNetwork {
		t.Fatalf("expected network category, got %s", CategoryOf(err))
	}
	if atomic.LoadInt32(&later) != 0 {
		t.Fatal("segments after a failure must not be fetched")
	}
}

func TestDownloadAllSendsRangeAndInit(t *testing.T) {
	var mu sync.Mutex
	var ranges []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.URL.Path+" "+r.Header.Get("Range"))
		mu.Unlock()
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Write([]byte("data"))
	}))
	defer server.Close()

	d := newTestSegmentDownloader(t, 0)
	playlist := Playlist{
		Init: &Segment{Index: -1, URI: server.URL + "/init.mp4"},
		Segments: []Segment{
			{Index: 0, URI: server.URL + "/media.mp4", Range: &ByteRange{Offset: 0, Length: 4}},
			{Index: 1, URI: server.URL + "/media.mp4", Range: &ByteRange{Offset: 4, Length: 4}},
		},
	}
	paths, err := d.DownloadAll(context.Background(), playlist, nil)
	if err != nil {
		t.Fatalf("DownloadAll: %v", err)
	}
	if len(paths) != 3 || filepath.Base(paths[0]) != initSegmentFile {
		t.Fatalf("init segment should come first: %v", paths)
	}
	want := []string{"/init.mp4 ", "/media.mp4 bytes=0-3", "/media.mp4 bytes=4-7"}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(ranges, "|") != strings.Join(want, "|") {
		t.Fatalf("requests = %q, want %q", ranges, want)
	}
}

func TestDownloadAllCutsRangeFromFullResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// ignores Range and sends the whole resource
		w.Write([]byte("AAAABBBBCCCC"))
	}))
	defer server.Close()

	d := newTestSegmentDownloader(t, 0)
	var segments []Segment
	for i := 0; i < 3; i++ {
		segments = append(segments, Segment{Index: i, URI: server.URL + "/media.ts", Range: &ByteRange{Offset: int64(i * 4), Length: 4}})
	}
	paths, err := d.DownloadAll(context.Background(), Playlist{Segments: segments}, nil)
	if err != nil {
		t.Fatalf("DownloadAll: %v", err)
	}
	for i, want := range []string{"AAAA", "BBBB", "CCCC"} {
		data, err := os.ReadFile(paths[i])
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != want {
			t.Fatalf("segment %d = %q, want %q", i, data, want)
		}
	}
}

func TestDownloadAllRejectsShortRange(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("AB"))
	}))
	defer server.Close()

	d := newTestSegmentDownloader(t, 1)
	playlist := Playlist{Segments: []Segment{{Index: 0, URI: server.URL + "/media.ts", Range: &ByteRange{Offset: 0, Length: 4}}}}
	_, err := d.DownloadAll(context.Background(), playlist, nil)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected a short read error, got %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestDownloadAllRetryBudgetIsPerSegment(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := newTestSegmentDownloader(t, 2)
	_, err := d.DownloadAll(context.Background(), Playlist{Segments: segmentsFor(server.URL, "a.ts")}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status error, got %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 3 {
		t.Fatalf("--retries 2 should mean 3 requests, got %d", got)
	}
}

func TestDownloadAllDecryptsSegments(t *testing.T) {
	plain := bytes.Repeat([]byte{0x47, 0x40, 0x11}, 100)
	seqIV := make([]byte, 16)
	seqIV[15] = 5
	encrypted := encryptAES128(t, plain, testKey, seqIV)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/key.bin":
			w.Write(testKey)
		default:
			w.Write(encrypted)
		}
	}))
	defer server.Close()

	d := newTestSegmentDownloader(t, 0)
	key := &SegmentKey{Method: "AES-128", URI: server.URL + "/key.bin"}
	playlist := Playlist{Segments: []Segment{{Index: 0, URI: server.URL + "/enc.ts", Sequence: 5, Key: key}}}
	paths, err := d.DownloadAll(context.Background(), playlist, nil)
	if err != nil {
		t.Fatalf("DownloadAll: %v", err)
	}
	got, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatal("decrypted segment does not match plaintext")
	}
}

func TestDownloadAllStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.Write([]byte("x"))
	}))
	defer server.Close()

	d := newTestSegmentDownloader(t, 0)
	_, err := d.DownloadAll(ctx, Playlist{Segments: segmentsFor(server.URL, "a.ts", "b.ts")}, nil)
	if CategoryOf(err) != CategoryInterrupted {
		t.Fatalf("expected interrupted, got %v (%s)", err, CategoryOf(err))
	}
}

func TestConcatSegmentsPreservesOrderAndLength(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	var want bytes.Buffer
	for i, content := range []string{"first-", "second-", "", "third"} {
		path := filepath.Join(dir, fmt.Sprintf(segmentFileTemplate, i))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
		want.WriteString(content)
	}

	dest := filepath.Join(dir, joinedSegmentsFile)
	n, err := concatSegments(context.Background(), paths, dest)
	if err != nil {
		t.Fatalf("concatSegments: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(want.Len()) || !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("joined %d bytes %q, want %q", n, got, want.String())
	}
}

func TestConcatSegmentsMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := concatSegments(context.Background(), []string{filepath.Join(dir, "nope.ts")}, filepath.Join(dir, "out.ts"))
	if CategoryOf(err) != CategoryFilesystem {
		t.Fatalf("expected filesystem error, got %v", err)
	}
}
