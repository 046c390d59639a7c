// Package blkreader scans raw blk*.dat files on disk (as produced by a
// full Bitcoin node) and delivers only the blocks whose height is known
// from a previously downloaded header chain, in strict height order.
package blkreader

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitcoin-rest-mirror/mirror/internal/fetcher"
)

const (
	// DefaultMaxBlocks bounds how many scanned-but-undelivered blocks
	// a BlkReader holds in memory at once.
	DefaultMaxBlocks = 5000

	scanPollInterval = 100 * time.Millisecond
)

// BlkReader scans blkNNNNN.dat files under blocksDir, keeping only
// blocks whose hash is present in a header chain downloaded up front,
// and serves them back to a single consumer in height order.
type BlkReader struct {
	blocksDir string
	maxBlocks int

	mu                sync.RWMutex
	blocks            map[uint32][]byte
	blockHeightByHash map[chainhash.Hash]uint32
	nextHeight        uint32

	nextBlkIndex uint32
	allRead      atomic.Bool
}

// NewBlkReader returns a BlkReader over blocksDir with DefaultMaxBlocks
// lookahead. Use WithMaxBlocks to override.
func NewBlkReader(blocksDir string) *BlkReader {
	return &BlkReader{
		blocksDir:         blocksDir,
		maxBlocks:         DefaultMaxBlocks,
		blocks:            make(map[uint32][]byte),
		blockHeightByHash: make(map[chainhash.Hash]uint32),
	}
}

// WithMaxBlocks overrides the in-memory lookahead bound.
func (r *BlkReader) WithMaxBlocks(n int) *BlkReader {
	r.maxBlocks = n
	return r
}

// Init downloads the header chain starting at startingHeight from rest
// (a RestClient pointed at the same upstream the .dat files came from)
// and builds the hash-to-height map used to filter the on-disk scan.
func (r *BlkReader) Init(ctx context.Context, rest *fetcher.RestClient, startingHeight uint32) error {
	startHash, err := rest.BlockHashByHeight(ctx, startingHeight)
	if err != nil {
		return fmt.Errorf("blkreader: discovering start hash: %w", err)
	}
	headers, err := rest.AllHeaders(ctx, startHash)
	if err != nil {
		return fmt.Errorf("blkreader: downloading header chain: %w", err)
	}

	r.mu.Lock()
	for i, h := range headers {
		hash := headerBlockHash(h)
		r.blockHeightByHash[hash] = startingHeight + uint32(i)
	}
	r.nextHeight = startingHeight
	r.mu.Unlock()
	return nil
}

func headerBlockHash(raw [80]byte) chainhash.Hash {
	var hdr wire.BlockHeader
	_ = hdr.Deserialize(&fixedReader{b: raw[:]})
	return hdr.BlockHash()
}

type fixedReader struct{ b []byte }

func (f *fixedReader) Read(p []byte) (int, error) {
	n := copy(p, f.b)
	f.b = f.b[n:]
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// RegisteredBlockCount returns how many scanned-but-undelivered blocks
// are currently held in memory.
func (r *BlkReader) RegisteredBlockCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blocks)
}

// NextHeight returns the height GetNextBlock will next deliver.
func (r *BlkReader) NextHeight() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextHeight
}

// IsAllRead reports whether every blkNNNNN.dat file under blocksDir has
// been scanned to completion (not whether every block has been
// delivered to the consumer).
func (r *BlkReader) IsAllRead() bool {
	return r.allRead.Load()
}

// readFile scans a single blkNNNNN.dat file, recording every block
// whose header hash is a known height. A short read or missing file
// ends the scan for that file and is not an error at the caller-visible
// level unless the file could not be opened at all.
func (r *BlkReader) readFile(index uint32) (blockCount int, err error) {
	path := filepath.Join(r.blocksDir, fmt.Sprintf("blk%05d.dat", index))
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		var magic [4]byte
		if _, err := io.ReadFull(br, magic[:]); err != nil {
			return blockCount, nil
		}
		var sizeBytes [4]byte
		if _, err := io.ReadFull(br, sizeBytes[:]); err != nil {
			return blockCount, nil
		}
		size := binary.LittleEndian.Uint32(sizeBytes[:])
		block := make([]byte, size)
		if _, err := io.ReadFull(br, block); err != nil {
			return blockCount, nil
		}
		blockCount++

		if len(block) < 80 {
			continue
		}
		var hdr wire.BlockHeader
		if err := hdr.Deserialize(&fixedReader{b: block[:80]}); err != nil {
			continue
		}
		hash := hdr.BlockHash()

		r.mu.RLock()
		height, known := r.blockHeightByHash[hash]
		r.mu.RUnlock()
		if !known {
			continue
		}

		r.mu.Lock()
		r.blocks[height] = block
		r.mu.Unlock()
	}
}

// readNextFile atomically claims the next blk*.dat index and scans it.
// It returns an error only when the file itself could not be opened,
// which signals the end of the .dat directory.
func (r *BlkReader) readNextFile() error {
	index := atomic.AddUint32(&r.nextBlkIndex, 1) - 1
	_, err := r.readFile(index)
	return err
}

// Run spawns concurrency worker goroutines that scan blk*.dat files
// until none remain, respecting the maxBlocks back-pressure bound, and
// returns immediately; IsAllRead reports when every worker has
// finished.
func (r *BlkReader) Run(ctx context.Context, concurrency int) {
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				if r.RegisteredBlockCount() >= r.maxBlocks {
					time.Sleep(scanPollInterval)
					continue
				}
				if err := r.readNextFile(); err != nil {
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		r.allRead.Store(true)
	}()
}

// tryGetNextBlock removes and returns the block at nextHeight if it has
// already been scanned.
func (r *BlkReader) tryGetNextBlock() (uint32, []byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	height := r.nextHeight
	block, ok := r.blocks[height]
	if !ok {
		return 0, nil, false
	}
	delete(r.blocks, height)
	r.nextHeight++
	return height, block, true
}

// GetNextBlock blocks until the block at the reader's current delivery
// height has been scanned, or returns ok=false once scanning has
// completed with no more blocks available at that height.
func (r *BlkReader) GetNextBlock(ctx context.Context) (height uint32, block []byte, ok bool, err error) {
	for {
		if ctx.Err() != nil {
			return 0, nil, false, ctx.Err()
		}
		h, b, found := r.tryGetNextBlock()
		if found {
			return h, b, true, nil
		}
		if r.IsAllRead() {
			return 0, nil, false, nil
		}
		time.Sleep(scanPollInterval)
	}
}
