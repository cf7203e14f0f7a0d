package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoPlaylist means a page was fetched but no playlist URL could be found in it.
var ErrNoPlaylist = errors.New("no M3U8 playlist URL found in page")

var (
	// ordered from most to least specific
	playlistURLPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)"(https?://[^"]+\.m3u8[^"]*)"`),
		regexp.MustCompile(`(?i)'(https?://[^']+\.m3u8[^']*)'`),
		regexp.MustCompile(`(?i)(https?://[^\s<>"]+\.m3u8[^\s<>"]*)`),
		regexp.MustCompile(`(?i)url["']?\s*[:=]\s*["']([^"']+\.m3u8[^"']*)["']`),
		regexp.MustCompile(`(?i)src["']?\s*[:=]\s*["']([^"']+\.m3u8[^"']*)["']`),
	}

	entryIDInPath     = regexp.MustCompile(`/media/[^/]+/([^/?#]+)`)
	entryIDInDocument = []*regexp.Regexp{
		regexp.MustCompile(`(?i)entryId["']?\s*[:=]\s*["']([^"']+)["']`),
		regexp.MustCompile(`(?i)"entry_id"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`(?i)entry_id["']?\s*[:=]\s*["']([^"']+)["']`),
		regexp.MustCompile(`(?i)kentryid["']?\s*[:=]\s*["']([^"']+)["']`),
	}
	partnerIDInDocument = regexp.MustCompile(`(?i)partner_?id["']?\s*[:=]\s*["']?(\d+)`)
)

// discoverer finds a playlist URL inside a portal page.
type discoverer struct {
	client  *http.Client
	printer *Printer
}

// Discover tries, in order: URLs in the page source, <video>/<source>
// elements, then Kaltura playManifest endpoints built from the entry ID.
func (d *discoverer) Discover(ctx context.Context, page document) (string, error) {
	if found := findPlaylistInSource(page.Body, page.URL); found != "" {
		d.printer.Log(LogDebug, "playlist URL found in page source", "url", found)
		return found, nil
	}
	if found, err := findPlaylistInMarkup(page.Body, page.URL); err != nil {
		d.printer.Log(LogDebug, "could not parse page markup", "err", err)
	} else if found != "" {
		d.printer.Log(LogDebug, "playlist URL found in video source", "url", found)
		return found, nil
	}

	entryID := extractEntryID(page.URL, page.Body)
	if entryID == "" {
		d.printer.Log(LogDebug, "no Kaltura entry ID in page")
		return "", wrapCategory(CategoryNotFound, ErrNoPlaylist)
	}
	partnerID := extractPartnerID(page.Body)
	d.printer.Log(LogDebug, "probing Kaltura manifests", "entry", entryID, "partner", partnerID)
	for _, candidate := range kalturaManifestCandidates(page.URL, partnerID, entryID) {
		if d.probeManifest(ctx, candidate) {
			return candidate, nil
		}
	}
	return "", wrapCategory(CategoryNotFound, fmt.Errorf("%w (Kaltura entry %s did not answer)", ErrNoPlaylist, entryID))
}

func findPlaylistInSource(body []byte, base *url.URL) string {
	text := string(body)
	for _, pattern := range playlistURLPatterns {
		matches := pattern.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}
		chosen := matches[0][1]
		for _, match := range matches {
			lower := strings.ToLower(match[1])
			if strings.Contains(lower, "playlist") || strings.Contains(lower, "index") {
				chosen = match[1]
				break
			}
		}
		resolved, err := resolveReference(base, unescapeJSONURL(chosen))
		if err != nil {
			continue
		}
		return resolved
	}
	return ""
}

// unescapeJSONURL undoes the `\/` escaping of URLs embedded in JSON blobs.
func unescapeJSONURL(raw string) string {
	return strings.ReplaceAll(raw, `\/`, `/`)
}

func findPlaylistInMarkup(body []byte, base *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	var found string
	doc.Find("video[src], source[src]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		src, _ := sel.Attr("src")
		if !strings.Contains(strings.ToLower(src), ".m3u8") {
			return true
		}
		resolved, err := resolveReference(base, src)
		if err != nil {
			return true
		}
		found = resolved
		return false
	})
	return found, nil
}

func extractEntryID(pageURL *url.URL, body []byte) string {
	if pageURL != nil {
		if match := entryIDInPath.FindStringSubmatch(pageURL.Path); match != nil {
			return strings.ReplaceAll(match[1], "+", " ")
		}
	}
	for _, pattern := range entryIDInDocument {
		if match := pattern.FindSubmatch(body); match != nil {
			if id := string(match[1]); len(id) > 5 {
				return id
			}
		}
	}
	return ""
}

func extractPartnerID(body []byte) string {
	if match := partnerIDInDocument.FindSubmatch(body); match != nil {
		return string(match[1])
	}
	return "0"
}

func kalturaManifestCandidates(pageURL *url.URL, partnerID, entryID string) []string {
	entry := url.PathEscape(entryID)
	host := ""
	if pageURL != nil {
		host = pageURL.Host
	}
	var candidates []string
	if host != "" {
		candidates = append(candidates,
			fmt.Sprintf("https://%s/p/%s/sp/%s00/playManifest/entryId/%s/format/applehttp/protocol/https/a.m3u8", host, partnerID, partnerID, entry),
			fmt.Sprintf("https://%s/p/%s/sp/%s00/playManifest/entryId/%s/format/url/protocol/https/a.m3u8", host, partnerID, partnerID, entry),
		)
	}
	candidates = append(candidates,
		fmt.Sprintf("https://cdnapisec.kaltura.com/p/%s/sp/%s00/playManifest/entryId/%s/format/applehttp/protocol/https/a.m3u8", partnerID, partnerID, entry),
	)
	return candidates
}

func (d *discoverer) probeManifest(ctx context.Context, candidate string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, candidate, nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.printer.Log(LogDebug, "manifest probe failed", "url", candidate, "err", err)
		return false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		d.printer.Log(LogDebug, "manifest probe rejected", "url", candidate, "status", resp.StatusCode)
		return false
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "mpegurl") || strings.Contains(contentType, "m3u8") {
		return true
	}
	return strings.HasSuffix(resp.Request.URL.Path, ".m3u8") || strings.HasSuffix(candidate, ".m3u8")
}
