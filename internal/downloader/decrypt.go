package downloader

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var errBadPadding = errors.New("invalid PKCS#7 padding")

// keyCache fetches each AES key URI once per run.
type keyCache struct {
	client *http.Client
	keys   map[string][]byte
}

func newKeyCache(client *http.Client) *keyCache {
	return &keyCache{client: client, keys: make(map[string][]byte)}
}

func (c *keyCache) get(ctx context.Context, uri string) ([]byte, error) {
	if key, ok := c.keys[uri]; ok {
		return key, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, wrapCategory(CategoryPlaylist, fmt.Errorf("building key request: %w", err))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapCategory(CategoryNetwork, fmt.Errorf("fetching key %s: %w", uri, err))
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, wrapCategory(CategoryNetwork, err)
	}
	key, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return nil, wrapCategory(CategoryNetwork, fmt.Errorf("reading key %s: %w", uri, err))
	}
	if len(key) != aes.BlockSize {
		return nil, wrapCategory(CategoryPlaylist, fmt.Errorf("key %s is %d bytes, want %d", uri, len(key), aes.BlockSize))
	}
	c.keys[uri] = key
	return key, nil
}

// segmentIV is the explicit IV when present, otherwise the media sequence
// number as a big-endian 128-bit integer.
func segmentIV(key *SegmentKey, sequence uint64) []byte {
	if len(key.IV) == aes.BlockSize {
		return key.IV
	}
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], sequence)
	return iv
}

func decryptAES128(data, key, iv []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	return pkcs7Unpad(plain)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errBadPadding
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(data) {
		return nil, errBadPadding
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errBadPadding
		}
	}
	return data[:len(data)-padding], nil
}
