package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// DefaultConcurrency is the number of worker goroutines a
	// Downloader spawns when no explicit concurrency is requested.
	DefaultConcurrency = 4
	// DefaultMaxBuffer bounds how many fetched-but-not-yet-shifted
	// blocks a Downloader will hold in memory at once.
	DefaultMaxBuffer = 1000

	shiftPollInterval = 100 * time.Millisecond
)

// Downloader fetches a contiguous run of blocks from a RestClient with
// bounded concurrency, and hands them back to a single consumer in
// strict height order via Shift.
type Downloader struct {
	client      *RestClient
	concurrency int
	maxBuffer   int

	mu            sync.RWMutex
	blocks        map[uint32][]byte
	blockHashes   map[uint32]chainhash.Hash
	nextFetch     uint32
	currentHeight uint32
	maxHeight     uint32
	empty         bool  // true if Run discovered zero new blocks to sync
	fatalErr      error // set by a worker once its retry budget is exhausted

	wg   sync.WaitGroup
	done chan struct{}
}

// NewDownloader returns a Downloader with DefaultConcurrency workers and
// DefaultMaxBuffer lookahead. Use WithConcurrency/WithMaxBuffer to
// override either before calling Run.
func NewDownloader(client *RestClient) *Downloader {
	return &Downloader{
		client:      client,
		concurrency: DefaultConcurrency,
		maxBuffer:   DefaultMaxBuffer,
		blocks:      make(map[uint32][]byte),
	}
}

// WithConcurrency sets the number of worker goroutines Run spawns.
func (d *Downloader) WithConcurrency(n int) *Downloader {
	d.concurrency = n
	return d
}

// WithMaxBuffer sets the maximum number of undelivered blocks held in
// memory at once.
func (d *Downloader) WithMaxBuffer(n int) *Downloader {
	d.maxBuffer = n
	return d
}

// Run discovers the current chain tip, downloads the header chain from
// startHeight onward, and spawns worker goroutines to fetch every block
// from startHeight to the tip. It returns once the header chain has
// been downloaded and workers have been started; it does not wait for
// all blocks to be fetched.
func (d *Downloader) Run(ctx context.Context, startHeight uint32) error {
	startHash, err := d.client.BlockHashByHeight(ctx, startHeight)
	if err != nil {
		return fmt.Errorf("fetcher: discovering start hash: %w", err)
	}
	headers, err := d.client.AllHeaders(ctx, startHash)
	if err != nil {
		return fmt.Errorf("fetcher: downloading header chain: %w", err)
	}
	if len(headers) == 0 {
		d.mu.Lock()
		d.currentHeight = startHeight
		d.nextFetch = startHeight
		d.maxHeight = startHeight
		d.empty = true
		d.mu.Unlock()
		d.done = make(chan struct{})
		close(d.done)
		return nil
	}

	maxHeight := startHeight + uint32(len(headers)) - 1
	blockHashes := make(map[uint32]chainhash.Hash, len(headers))
	for i, h := range headers {
		blockHashes[startHeight+uint32(i)] = headerHash(h)
	}

	d.mu.Lock()
	d.currentHeight = startHeight
	d.nextFetch = startHeight
	d.maxHeight = maxHeight
	d.blockHashes = blockHashes
	d.mu.Unlock()

	d.done = make(chan struct{})
	for i := 0; i < d.concurrency; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	go func() {
		d.wg.Wait()
		close(d.done)
	}()
	return nil
}

func (d *Downloader) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if d.bufferFull() {
			time.Sleep(shiftPollInterval)
			continue
		}
		height, ok := d.claimNextFetch()
		if !ok {
			return
		}
		hash, err := d.headerHashForHeight(ctx, height)
		if err != nil {
			d.setFatalErr(fmt.Errorf("fetcher: resolving header for height %d: %w", height, err))
			return
		}
		block, err := d.client.GetBlock(ctx, hash)
		if err != nil {
			d.setFatalErr(fmt.Errorf("fetcher: fetching block at height %d: %w", height, err))
			return
		}
		d.mu.Lock()
		d.blocks[height] = block
		d.mu.Unlock()
	}
}

// setFatalErr records the first worker failure. A failure here means the
// RestClient's retry budget was exhausted fetching a required block or
// header, which is fatal for the run: later Shift calls return this
// error instead of sleeping forever waiting for a height that will never
// be populated.
func (d *Downloader) setFatalErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fatalErr == nil {
		d.fatalErr = err
	}
}

func (d *Downloader) headerHashForHeight(ctx context.Context, height uint32) (chainhash.Hash, error) {
	d.mu.RLock()
	hash, ok := d.blockHashes[height]
	d.mu.RUnlock()
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("fetcher: no header resolved for height %d", height)
	}
	return hash, nil
}

func (d *Downloader) bufferFull() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.blocks) >= d.maxBuffer
}

func (d *Downloader) claimNextFetch() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.empty || d.nextFetch > d.maxHeight {
		return 0, false
	}
	height := d.nextFetch
	d.nextFetch++
	return height, true
}

// Shift blocks until the block at the downloader's current delivery
// height is available, then returns it and advances the delivery
// height. It returns ok=false once every block up to the discovered tip
// has been delivered.
func (d *Downloader) Shift(ctx context.Context) (height uint32, block []byte, ok bool, err error) {
	for {
		if ctx.Err() != nil {
			return 0, nil, false, ctx.Err()
		}
		h, b, found := d.tryShift()
		if found {
			return h, b, true, nil
		}
		d.mu.RLock()
		exhausted := d.empty || d.currentHeight > d.maxHeight
		fatalErr := d.fatalErr
		d.mu.RUnlock()
		if fatalErr != nil {
			return 0, nil, false, fatalErr
		}
		if exhausted {
			return 0, nil, false, nil
		}
		time.Sleep(shiftPollInterval)
	}
}

func (d *Downloader) tryShift() (uint32, []byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	height := d.currentHeight
	block, ok := d.blocks[height]
	if !ok {
		return 0, nil, false
	}
	delete(d.blocks, height)
	d.currentHeight++
	return height, block, true
}

// CurrentHeight returns the next height Shift will deliver.
func (d *Downloader) CurrentHeight() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentHeight
}

// BufferedCount returns how many fetched-but-undelivered blocks are
// currently held in memory.
func (d *Downloader) BufferedCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.blocks)
}
