package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

const initSegmentFile = "init.mp4"

type segmentDownloader struct {
	client  *http.Client
	retry   retryConfig
	dir     string
	keys    *keyCache
	printer *Printer
}

func newSegmentDownloader(client *http.Client, opts Options, dir string, printer *Printer) *segmentDownloader {
	return &segmentDownloader{
		client: withoutTransportRetry(client),
		retry: retryConfig{
			MaxRetries:   opts.Retries,
			InitialDelay: opts.RetryDelay,
			MaxDelay:     defaultRetryConfig.MaxDelay,
		},
		dir:     dir,
		keys:    newKeyCache(client),
		printer: printer,
	}
}

// DownloadAll fetches the init segment (if any) and every media segment in
// playlist order. The returned paths are in concatenation order. The first
// segment that still fails after retries aborts the run.
func (d *segmentDownloader) DownloadAll(ctx context.Context, playlist Playlist, progress *segmentProgress) ([]string, error) {
	paths := make([]string, 0, len(playlist.Segments)+1)

	if playlist.Init != nil {
		dest := filepath.Join(d.dir, initSegmentFile)
		if _, err := d.download(ctx, *playlist.Init, dest); err != nil {
			return nil, wrapCategory(CategoryNetwork, fmt.Errorf("init segment failed: %w", err))
		}
		paths = append(paths, dest)
	}

	for _, segment := range playlist.Segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dest := filepath.Join(d.dir, fmt.Sprintf(segmentFileTemplate, segment.Index))
		n, err := d.download(ctx, segment, dest)
		if err != nil {
			return nil, wrapCategory(CategoryNetwork, fmt.Errorf("segment %d/%d failed: %w", segment.Index+1, len(playlist.Segments), err))
		}
		progress.SegmentDone(n)
		paths = append(paths, dest)
	}
	progress.Finish()
	return paths, nil
}

func (d *segmentDownloader) download(ctx context.Context, segment Segment, dest string) (int64, error) {
	var written int64
	err := d.retry.retry(ctx, func(attempt int) error {
		if attempt > 0 {
			d.printer.Log(LogWarn, "retrying segment", "segment", segment.Index+1, "attempt", attempt+1)
		}
		n, err := d.fetchTo(ctx, segment, dest)
		written = n
		return err
	})
	return written, err
}

// fetchTo writes one segment to dest, truncating whatever a failed attempt left there.
func (d *segmentDownloader) fetchTo(ctx context.Context, segment Segment, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segment.URI, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	if segment.Range != nil {
		req.Header.Set("Range", segment.Range.header())
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	var body io.Reader = resp.Body
	expected := resp.ContentLength
	if segment.Range != nil {
		if body, err = rangeBody(resp, *segment.Range); err != nil {
			return 0, err
		}
		expected = segment.Range.Length
	}
	if segment.Key != nil {
		plain, err := d.decrypt(ctx, segment, body)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(plain)
	}

	file, err := os.Create(dest)
	if err != nil {
		return 0, wrapCategory(CategoryFilesystem, fmt.Errorf("creating segment file: %w", err))
	}
	n, copyErr := copyWithContext(ctx, file, body)
	closeErr := file.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if closeErr != nil {
		return n, wrapCategory(CategoryFilesystem, fmt.Errorf("closing segment file: %w", closeErr))
	}
	if expected > 0 && segment.Key == nil && n != expected {
		return n, fmt.Errorf("got %d of %d bytes: %w", n, expected, io.ErrUnexpectedEOF)
	}
	return n, nil
}

// rangeBody limits the response to the requested sub-range. A server that
// ignores Range answers 200 with the whole resource, so the range is cut out
// of that body instead.
func rangeBody(resp *http.Response, r ByteRange) (io.Reader, error) {
	if resp.StatusCode != http.StatusPartialContent && r.Offset > 0 {
		if _, err := io.CopyN(io.Discard, resp.Body, r.Offset); err != nil {
			return nil, fmt.Errorf("skipping to byte %d: %w", r.Offset, io.ErrUnexpectedEOF)
		}
	}
	return io.LimitReader(resp.Body, r.Length), nil
}

func (d *segmentDownloader) decrypt(ctx context.Context, segment Segment, body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	key, err := d.keys.get(ctx, segment.Key.URI)
	if err != nil {
		return nil, err
	}
	plain, err := decryptAES128(data, key, segmentIV(segment.Key, segment.Sequence))
	if err != nil {
		// a truncated body fails the block size check
		if errors.Is(err, errBadPadding) {
			return nil, wrapCategory(CategoryPlaylist, fmt.Errorf("decrypting segment: %w", err))
		}
		return nil, fmt.Errorf("decrypting segment: %w", io.ErrUnexpectedEOF)
	}
	return plain, nil
}
