// Package fetcher mirrors a remote Bitcoin Core REST server's block
// chain over HTTP: RestClient speaks the wire protocol, Downloader turns
// it into a height-ordered stream of raw blocks with bounded lookahead.
package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bitcoin-rest-mirror/mirror/hash32"
)

const (
	maxRetries     = 10
	retryDelay     = time.Second
	requestTimeout = time.Second
	headersBatch   = 2000
)

// RestClient fetches blocks and headers from an upstream Bitcoin Core
// REST server (the same interface this system re-serves).
type RestClient struct {
	baseURL string
	http    *http.Client
}

// NewRestClient returns a RestClient for the upstream REST server at
// baseURL (e.g. "http://127.0.0.1:8332").
func NewRestClient(baseURL string) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// fetch performs an HTTP GET against path, retrying up to maxRetries
// times with retryDelay between attempts. After the last attempt fails
// it returns the final error; this is treated as fatal by callers, per
// the upstream-network-error handling the rest of this system uses.
func (c *RestClient) fetch(ctx context.Context, path string) ([]byte, error) {
	url := c.baseURL + path
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		body, err := c.doFetch(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetcher: GET %s failed after %d attempts: %w", url, maxRetries, lastErr)
}

func (c *RestClient) doFetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// BlockHashByHeight fetches the block hash stored at height, in
// internal byte order.
func (c *RestClient) BlockHashByHeight(ctx context.Context, height uint32) (chainhash.Hash, error) {
	path := "/rest/blockhashbyheight/" + strconv.FormatUint(uint64(height), 10) + ".bin"
	body, err := c.fetch(ctx, path)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if len(body) != 32 {
		return chainhash.Hash{}, fmt.Errorf("fetcher: blockhashbyheight returned %d bytes, want 32", len(body))
	}
	return hash32.FromSlice(body), nil
}

// GetBlock fetches the full consensus-serialized bytes of the block
// identified by blockHash (internal order).
func (c *RestClient) GetBlock(ctx context.Context, blockHash chainhash.Hash) ([]byte, error) {
	path := "/rest/block/" + hash32.Encode(blockHash) + ".bin"
	return c.fetch(ctx, path)
}

// Headers fetches up to count consecutive 80-byte headers starting with
// the header of blockHash itself.
func (c *RestClient) Headers(ctx context.Context, blockHash chainhash.Hash, count int) ([]byte, error) {
	path := fmt.Sprintf("/rest/headers/%s.bin?count=%d", hash32.Encode(blockHash), count)
	body, err := c.fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(body)%80 != 0 {
		return nil, fmt.Errorf("fetcher: headers response is %d bytes, not a multiple of 80", len(body))
	}
	return body, nil
}

// AllHeaders downloads the full header chain starting at (and
// including) startHash, repeatedly calling Headers in batches of
// headersBatch until a short batch signals the end of the chain. The
// duplicate anchor header returned at the start of every batch after the
// first is dropped; the next anchor is derived by hashing the last
// header of the previous batch.
func (c *RestClient) AllHeaders(ctx context.Context, startHash chainhash.Hash) ([][80]byte, error) {
	var all [][80]byte
	anchor := startHash
	first := true
	for {
		body, err := c.Headers(ctx, anchor, headersBatch)
		if err != nil {
			return nil, err
		}
		batch := splitHeaders(body)
		fetched := len(batch)

		toAppend := batch
		if !first {
			if len(toAppend) == 0 {
				break
			}
			toAppend = toAppend[1:]
		}
		all = append(all, toAppend...)

		if fetched < headersBatch {
			break
		}
		if len(toAppend) == 0 {
			break
		}
		anchor = headerHash(toAppend[len(toAppend)-1])
		first = false
	}
	return all, nil
}

func splitHeaders(body []byte) [][80]byte {
	out := make([][80]byte, len(body)/80)
	for i := range out {
		copy(out[i][:], body[i*80:(i+1)*80])
	}
	return out
}

func headerHash(header [80]byte) chainhash.Hash {
	first := sha256.Sum256(header[:])
	second := sha256.Sum256(first[:])
	return chainhash.Hash(second)
}
