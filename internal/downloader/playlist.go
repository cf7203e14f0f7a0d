package downloader

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
)

// Playlist is a parsed M3U8 document with every URI already resolved
// against the URL the playlist was fetched from.
type Playlist struct {
	URL           string
	Variants      []Variant
	Segments      []Segment
	Init          *Segment
	MediaSequence uint64
	Encrypted     bool
	KeyMethod     string
}

// IsMaster reports whether the playlist lists child playlists instead of segments.
func (p Playlist) IsMaster() bool {
	return len(p.Variants) > 0 && len(p.Segments) == 0
}

// TotalDuration sums the EXTINF durations in seconds.
func (p Playlist) TotalDuration() float64 {
	var total float64
	for _, segment := range p.Segments {
		total += segment.Duration
	}
	return total
}

type Variant struct {
	URI        string
	Bandwidth  int
	Resolution string
	Codecs     string
	IFrame     bool
}

type Segment struct {
	Index    int
	URI      string
	Duration float64
	Sequence uint64
	Range    *ByteRange
	Key      *SegmentKey
}

// ByteRange is an EXT-X-BYTERANGE sub-range of the segment resource.
type ByteRange struct {
	Offset int64
	Length int64
}

func (r ByteRange) header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1)
}

// SegmentKey is the EXT-X-KEY in effect for a segment.
type SegmentKey struct {
	Method    string
	URI       string
	IV        []byte
	KeyFormat string
}

var errNotPlaylist = errors.New("not an HLS playlist (missing #EXTM3U)")

// ParsePlaylist decodes M3U8 text. base is the URL the text was fetched
// from; relative segment, variant and key URIs are resolved against it.
func ParsePlaylist(data []byte, base *url.URL) (Playlist, error) {
	if !bytes.Contains(data, []byte("#EXTM3U")) {
		return Playlist{}, wrapCategory(CategoryPlaylist, errNotPlaylist)
	}

	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return Playlist{}, wrapCategory(CategoryPlaylist, fmt.Errorf("decoding playlist: %w", err))
	}

	playlist := Playlist{URL: base.String()}
	switch listType {
	case m3u8.MASTER:
		master := decoded.(*m3u8.MasterPlaylist)
		for _, v := range master.Variants {
			if v == nil || strings.TrimSpace(v.URI) == "" {
				continue
			}
			uri, err := resolveReference(base, v.URI)
			if err != nil {
				return Playlist{}, err
			}
			playlist.Variants = append(playlist.Variants, Variant{
				URI:        uri,
				Bandwidth:  int(v.Bandwidth),
				Resolution: v.Resolution,
				Codecs:     v.Codecs,
				IFrame:     v.Iframe,
			})
		}
	case m3u8.MEDIA:
		media := decoded.(*m3u8.MediaPlaylist)
		if err := playlist.fillMedia(media, base); err != nil {
			return Playlist{}, err
		}
	default:
		return Playlist{}, wrapCategory(CategoryPlaylist, fmt.Errorf("unknown playlist type %v", listType))
	}
	return playlist, nil
}

func (p *Playlist) fillMedia(media *m3u8.MediaPlaylist, base *url.URL) error {
	p.MediaSequence = media.SeqNo

	if media.Map != nil && media.Map.URI != "" {
		uri, err := resolveReference(base, media.Map.URI)
		if err != nil {
			return err
		}
		p.Init = &Segment{Index: -1, URI: uri}
		if media.Map.Limit > 0 {
			p.Init.Range = &ByteRange{Offset: media.Map.Offset, Length: media.Map.Limit}
		}
	}

	var current *SegmentKey
	for _, seg := range media.Segments {
		// the decoder's ring buffer leaves trailing nil slots
		if seg == nil {
			continue
		}
		if seg.Key != nil {
			key, err := convertKey(seg.Key, base)
			if err != nil {
				return err
			}
			current = key
		}
		uri, err := resolveReference(base, seg.URI)
		if err != nil {
			return err
		}
		segment := Segment{
			Index:    len(p.Segments),
			URI:      uri,
			Duration: seg.Duration,
			Sequence: media.SeqNo + uint64(len(p.Segments)),
			Key:      current,
		}
		if seg.Limit > 0 {
			segment.Range = &ByteRange{Offset: seg.Offset, Length: seg.Limit}
			// an omitted offset continues where the previous sub-range ended
			if seg.Offset == 0 && len(p.Segments) > 0 {
				prev := p.Segments[len(p.Segments)-1]
				if prev.Range != nil && prev.URI == uri {
					segment.Range.Offset = prev.Range.Offset + prev.Range.Length
				}
			}
		}
		if current != nil {
			p.Encrypted = true
			p.KeyMethod = current.Method
		}
		p.Segments = append(p.Segments, segment)
	}
	return nil
}

// convertKey returns nil for METHOD=NONE, which ends encryption.
func convertKey(key *m3u8.Key, base *url.URL) (*SegmentKey, error) {
	method := strings.ToUpper(strings.TrimSpace(key.Method))
	if method == "" || method == "NONE" {
		return nil, nil
	}
	converted := &SegmentKey{Method: method, KeyFormat: key.Keyformat}
	if key.URI != "" {
		uri, err := resolveReference(base, key.URI)
		if err != nil {
			return nil, err
		}
		converted.URI = uri
	}
	if key.IV != "" {
		raw := strings.TrimPrefix(strings.TrimPrefix(key.IV, "0x"), "0X")
		iv, err := hex.DecodeString(raw)
		if err != nil {
			return nil, wrapCategory(CategoryPlaylist, fmt.Errorf("invalid key IV %q: %w", key.IV, err))
		}
		converted.IV = iv
	}
	return converted, nil
}

func resolveReference(base *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", wrapCategory(CategoryPlaylist, fmt.Errorf("invalid URI %q: %w", ref, err))
	}
	if base == nil {
		return parsed.String(), nil
	}
	return base.ResolveReference(parsed).String(), nil
}

// VariantPolicy decides which child of a master playlist is followed.
type VariantPolicy string

const (
	VariantHighest VariantPolicy = "highest"
	VariantLowest  VariantPolicy = "lowest"
	VariantFirst   VariantPolicy = "first"
)

func ParseVariantPolicy(raw string) (VariantPolicy, error) {
	switch VariantPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", VariantHighest:
		return VariantHighest, nil
	case VariantLowest:
		return VariantLowest, nil
	case VariantFirst:
		return VariantFirst, nil
	default:
		return "", fmt.Errorf("invalid variant policy %q (want highest, lowest or first)", raw)
	}
}

func (p VariantPolicy) OrDefault() VariantPolicy {
	normalized, err := ParseVariantPolicy(string(p))
	if err != nil {
		return VariantHighest
	}
	return normalized
}

// SelectVariant picks a child playlist. I-frame-only streams and caption
// tracks are never chosen; ties keep playlist order.
func SelectVariant(variants []Variant, policy VariantPolicy) (Variant, bool) {
	var best Variant
	found := false
	for _, v := range variants {
		if v.IFrame || strings.Contains(strings.ToLower(v.URI), "caption") {
			continue
		}
		if !found {
			best, found = v, true
			if policy.OrDefault() == VariantFirst {
				return best, true
			}
			continue
		}
		switch policy.OrDefault() {
		case VariantLowest:
			if v.Bandwidth < best.Bandwidth {
				best = v
			}
		default:
			if v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
	}
	return best, found
}

// checkEncryption rejects key methods this tool cannot decrypt.
func checkEncryption(p Playlist) error {
	for _, segment := range p.Segments {
		key := segment.Key
		if key == nil {
			continue
		}
		if key.Method != "AES-128" {
			return wrapCategory(CategoryUnsupported, fmt.Errorf("segment %d uses %s encryption, which is not supported", segment.Index+1, key.Method))
		}
		if key.KeyFormat != "" && key.KeyFormat != "identity" {
			return wrapCategory(CategoryUnsupported, fmt.Errorf("segment %d uses key format %q (DRM), which is not supported", segment.Index+1, key.KeyFormat))
		}
		if key.URI == "" {
			return wrapCategory(CategoryPlaylist, fmt.Errorf("segment %d is encrypted but has no key URI", segment.Index+1))
		}
	}
	return nil
}
