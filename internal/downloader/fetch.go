package downloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxDocumentSize bounds playlist and page bodies; real ones are a few hundred KB at most.
const maxDocumentSize = 16 << 20

// document is a fetched playlist or HTML page.
type document struct {
	// URL is where the body actually came from, after redirects.
	URL         *url.URL
	ContentType string
	Body        []byte
}

// isPlaylist sniffs the body, falling back to the content type.
func (d document) isPlaylist() bool {
	trimmed := bytes.TrimLeft(d.Body, "\ufeff \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("#EXTM3U")) {
		return true
	}
	ct := strings.ToLower(d.ContentType)
	return strings.Contains(ct, "mpegurl")
}

func fetchDocument(ctx context.Context, client *http.Client, rawURL string) (document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return document{}, wrapCategory(CategoryInvalidURL, fmt.Errorf("building request: %w", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return document{}, wrapCategory(CategoryNetwork, fmt.Errorf("fetching %s: %w", rawURL, err))
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return document{}, wrapCategory(CategoryNetwork, err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return document{}, wrapCategory(CategoryNetwork, fmt.Errorf("reading %s: %w", rawURL, err))
	}
	return document{
		URL:         resp.Request.URL,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// resolution is the outcome of following a playlist URL down to segments.
type resolution struct {
	Playlist Playlist
	// Variant is the child chosen from a master playlist, if there was one.
	Variant *Variant
	// Hops counts master-to-child re-resolutions.
	Hops int
}

type resolver struct {
	client  *http.Client
	printer *Printer
	policy  VariantPolicy
}

// Resolve fetches rawURL and follows it to a media playlist with at least one segment.
func (r *resolver) Resolve(ctx context.Context, rawURL string) (resolution, error) {
	doc, err := fetchDocument(ctx, r.client, rawURL)
	if err != nil {
		return resolution{}, err
	}
	return r.resolveDocument(ctx, doc)
}

func (r *resolver) resolveDocument(ctx context.Context, doc document) (resolution, error) {
	var result resolution
	for {
		if !doc.isPlaylist() {
			return result, wrapCategory(CategoryPlaylist, fmt.Errorf("%s is not an HLS playlist", doc.URL))
		}
		playlist, err := ParsePlaylist(doc.Body, doc.URL)
		if err != nil {
			return result, fmt.Errorf("parsing %s: %w", doc.URL, err)
		}

		if !playlist.IsMaster() {
			if len(playlist.Segments) == 0 {
				return result, wrapCategory(CategoryPlaylist, fmt.Errorf("no segments found in %s", doc.URL))
			}
			result.Playlist = playlist
			return result, nil
		}

		if result.Hops >= maxResolveDepth {
			return result, wrapCategory(CategoryPlaylist, fmt.Errorf("master playlists nested deeper than %d levels", maxResolveDepth))
		}
		variant, ok := SelectVariant(playlist.Variants, r.policy)
		if !ok {
			return result, wrapCategory(CategoryPlaylist, fmt.Errorf("master playlist %s has no usable variants", doc.URL))
		}
		r.printer.Log(LogInfo, "selected variant",
			"resolution", orUnknown(variant.Resolution),
			"bandwidth", variant.Bandwidth,
			"variants", len(playlist.Variants))
		r.printer.Log(LogDebug, "following variant", "url", variant.URI)

		result.Variant = &variant
		result.Hops++
		doc, err = fetchDocument(ctx, r.client, variant.URI)
		if err != nil {
			return result, err
		}
	}
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
