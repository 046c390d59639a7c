// Package indexer drives the sync loop that keeps the KVS mirror current
// with the upstream chain: a one-time parallel initial sync from on-disk
// blk*.dat files when starting from height 0, followed by a steady-state
// catch-up loop over the upstream REST server.
package indexer

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/bitcoin-rest-mirror/mirror/internal/blkreader"
	"github.com/bitcoin-rest-mirror/mirror/internal/client"
	"github.com/bitcoin-rest-mirror/mirror/internal/fetcher"
)

const steadyStateInterval = time.Second

var (
	blocksIndexedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indexer_blocks_indexed_total",
		Help: "Total number of blocks written to the KVS by the indexer.",
	})
	queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_queue_depth",
		Help: "Number of fetched-but-not-yet-indexed blocks currently buffered.",
	})
)

func init() {
	prometheus.MustRegister(blocksIndexedTotal, queueDepthGauge)
}

// Indexer owns a Client and the upstream coordinates (REST URL, on-disk
// blocks directory) needed to keep it in sync.
type Indexer struct {
	client    *client.Client
	rest      *fetcher.RestClient
	blocksDir string
	log       *logrus.Entry

	downloaderConcurrency int
	downloaderMaxBuffer   int
	maxBlocks             int
}

// New returns an Indexer writing through client, using rest as the
// upstream REST source for catch-up sync and header-chain discovery,
// and blocksDir (if non-empty) as the on-disk source for initial sync.
func New(c *client.Client, rest *fetcher.RestClient, blocksDir string, log *logrus.Entry) *Indexer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Indexer{client: c, rest: rest, blocksDir: blocksDir, log: log}
}

// WithDownloaderOptions overrides the catch-up downloader's worker
// count and in-flight block buffer size. A zero value leaves the
// downloader's own default in place.
func (ix *Indexer) WithDownloaderOptions(concurrency, maxBuffer int) *Indexer {
	ix.downloaderConcurrency = concurrency
	ix.downloaderMaxBuffer = maxBuffer
	return ix
}

// WithMaxBlocks overrides the on-disk reader's back-pressure bound used
// during initial sync. A zero value leaves the reader's own default in
// place.
func (ix *Indexer) WithMaxBlocks(maxBlocks int) *Indexer {
	ix.maxBlocks = maxBlocks
	return ix
}

// Run chooses initial or catch-up sync based on the client's current
// nextBlockHeight, performs it, then enters the steady-state loop,
// returning only when ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	nextHeight, err := ix.client.GetNextBlockHeight(ctx)
	if err != nil {
		return err
	}

	if nextHeight == 0 && ix.blocksDir != "" {
		if err := ix.initialSync(ctx, nextHeight); err != nil {
			return err
		}
	} else {
		if _, err := ix.catchUpSync(ctx); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(steadyStateInterval):
		}
		processed, err := ix.catchUpSync(ctx)
		if err != nil {
			return err
		}
		if processed > 0 {
			ix.log.WithField("blocks", processed).Info("synced blocks")
		}
	}
}

// catchUpSync fetches and persists every block from the upstream REST
// server from the client's current height to its tip, single-threaded,
// and returns how many blocks were processed.
func (ix *Indexer) catchUpSync(ctx context.Context) (int, error) {
	nextHeight, err := ix.client.GetNextBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	d := fetcher.NewDownloader(ix.rest)
	if ix.downloaderConcurrency > 0 {
		d = d.WithConcurrency(ix.downloaderConcurrency)
	}
	if ix.downloaderMaxBuffer > 0 {
		d = d.WithMaxBuffer(ix.downloaderMaxBuffer)
	}
	if err := d.Run(ctx, nextHeight); err != nil {
		return 0, err
	}

	processed := 0
	lastLog, lastProcessed := time.Now(), 0
	for {
		height, block, ok, err := d.Shift(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
		if err := ix.client.AddBlock(ctx, height, block, true); err != nil {
			return processed, err
		}
		blocksIndexedTotal.Inc()
		processed++
		if elapsed := time.Since(lastLog); elapsed >= steadyStateInterval {
			queued := d.BufferedCount()
			queueDepthGauge.Set(float64(queued))
			ix.log.WithFields(logrus.Fields{
				"height":       height,
				"blocksPerSec": float64(processed-lastProcessed) / elapsed.Seconds(),
				"queued":       queued,
			}).Info("catch-up sync progress")
			lastLog, lastProcessed = time.Now(), processed
		}
	}
	return processed, nil
}

// initialSync performs a one-time parallel ingest of every block found
// on disk under ix.blocksDir, from startHeight up to the discovered
// chain tip.
//
// A pool of writer goroutines pulls blocks from the shared
// blkreader.BlkReader (which itself serializes delivery to height
// order) and persists each one with AddBlock(..., advanceHead=false),
// so multiple writers can be in flight at once; order of the KVS writes
// for distinct heights does not matter since advanceHead is never set
// by a writer. A single coordinator goroutine separately tracks which
// heights have finished writing and calls Client.AdvanceHead strictly in
// ascending order — it must never be called from more than one
// goroutine at a time, which a single coordinator trivially guarantees.
//
// Worker completion is observed via a sync.WaitGroup plus a closer
// goroutine that closes a done channel once every writer has returned,
// rather than each writer pushing its own sentinel onto a shared
// channel: this avoids the coordinator having to know the worker count
// or risk a dropped/duplicated sentinel.
func (ix *Indexer) initialSync(ctx context.Context, startHeight uint32) error {
	reader := blkreader.NewBlkReader(ix.blocksDir)
	if ix.maxBlocks > 0 {
		reader = reader.WithMaxBlocks(ix.maxBlocks)
	}
	if err := reader.Init(ctx, ix.rest, startHeight); err != nil {
		return err
	}
	concurrency := runtime.NumCPU()
	reader.Run(ctx, concurrency)

	completed := make(chan uint32, concurrency*4)
	var wg sync.WaitGroup
	var writeErr error
	var writeErrOnce sync.Once

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				height, block, ok, err := reader.GetNextBlock(ctx)
				if err != nil {
					writeErrOnce.Do(func() { writeErr = err })
					return
				}
				if !ok {
					return
				}
				if err := ix.client.AddBlock(ctx, height, block, false); err != nil {
					writeErrOnce.Do(func() { writeErr = err })
					return
				}
				blocksIndexedTotal.Inc()
				completed <- height
			}
		}()
	}

	writersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(completed)
		close(writersDone)
	}()

	return ix.advanceHeadInOrder(ctx, startHeight, completed, writersDone, reader, func() error { return writeErr })
}

// advanceHeadInOrder is the single coordinator: it buffers completed
// heights until the next strictly-expected height is among them, then
// calls Client.AdvanceHead once per height in order. It is the only
// code path in initial sync that ever sets advanceHead=true.
func (ix *Indexer) advanceHeadInOrder(
	ctx context.Context,
	startHeight uint32,
	completed <-chan uint32,
	writersDone <-chan struct{},
	reader *blkreader.BlkReader,
	writeErr func() error,
) error {
	pending := make(map[uint32]struct{})
	expected := startHeight
	lastExpected := startHeight
	ticker := time.NewTicker(steadyStateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			queued := reader.RegisteredBlockCount()
			queueDepthGauge.Set(float64(queued))
			ix.log.WithFields(logrus.Fields{
				"height":       expected,
				"blocksPerSec": float64(expected-lastExpected) / steadyStateInterval.Seconds(),
				"queued":       queued,
			}).Info("initial sync progress")
			lastExpected = expected
		case height, ok := <-completed:
			if !ok {
				<-writersDone
				if err := writeErr(); err != nil {
					return err
				}
				return nil
			}
			pending[height] = struct{}{}
			for {
				if _, ready := pending[expected]; !ready {
					break
				}
				delete(pending, expected)
				if err := ix.client.AdvanceHead(ctx, expected); err != nil {
					return err
				}
				expected++
			}
		}
	}
}
