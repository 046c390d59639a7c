package client

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/bitcoin-rest-mirror/mirror/internal/kvs"
)

const genesisBlockHex = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d1dac2b7c01010000000100000000000000000000000000000000000000000000000000000000000000000000ffffffff4d04ffff001d0104455468652054696d65732030332f4a616e2f32303039204368616e63656c6c6f72206f6e206272696e6b206f66207365636f6e64206261696c6f757420666f722062616e6b73ffffffff0100f2052a01000000434104678afdb0fe5548271967f1a67130b7105cd6a828e03909a67962e0ea1f61deb649f6bc3f4cef38c4f35504e51ec112de5c384df7ba0b8d578a4c702b6bf11d5fac00000000"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return New(kvs.NewMemStore(), "mirror", "BTC")
}

func genesisBytes(t *testing.T) []byte {
	t.Helper()
	raw, err := hex.DecodeString(genesisBlockHex)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestAddBlockThenGetBlockRoundTrips(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	raw := genesisBytes(t)

	if err := c.AddBlock(ctx, 0, raw, true); err != nil {
		t.Fatal(err)
	}

	height, err := c.GetNextBlockHeight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if height != 1 {
		t.Fatalf("next block height = %d, want 1", height)
	}

	hash, ok, err := c.GetBlockHashByHeight(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected block hash at height 0")
	}

	back, ok, err := c.GetBlock(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected block to be found")
	}
	if len(back) == 0 {
		t.Fatal("expected non-empty reconstructed block")
	}
}

func TestAddBlockIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	raw := genesisBytes(t)

	if err := c.AddBlock(ctx, 0, raw, true); err != nil {
		t.Fatal(err)
	}
	if err := c.AddBlock(ctx, 0, raw, true); err != nil {
		t.Fatal(err)
	}
	height, err := c.GetNextBlockHeight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if height != 1 {
		t.Fatalf("next block height = %d, want 1 after idempotent re-add", height)
	}
}

func TestAddBlockWithoutAdvanceHeadLeavesNextBlockHeight(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	raw := genesisBytes(t)

	if err := c.AddBlock(ctx, 0, raw, false); err != nil {
		t.Fatal(err)
	}
	height, err := c.GetNextBlockHeight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if height != 0 {
		t.Fatalf("next block height = %d, want 0 when advanceHead=false", height)
	}

	hash, ok, err := c.GetBlockHashByHeight(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected block hash at height 0 even without advancing the head")
	}
	_, ok, err = c.GetBlock(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected block to be retrievable regardless of advanceHead")
	}
}

func TestGetBlockMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	var h [32]byte
	_, ok, err := c.GetBlock(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false for a never-persisted block hash")
	}
}

func TestKeySchemaIsFullyPopulatedAfterAddBlock(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	raw := genesisBytes(t)
	if err := c.AddBlock(ctx, 0, raw, true); err != nil {
		t.Fatal(err)
	}

	hash, ok, err := c.GetBlockHashByHeight(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("blockHashByHeight missing: ok=%v err=%v", ok, err)
	}
	if _, ok, err := c.GetBlockHeader(ctx, hash); err != nil || !ok {
		t.Fatalf("blockHeader missing: ok=%v err=%v", ok, err)
	}
	height, ok, err := c.GetBlockHeightByHash(ctx, hash)
	if err != nil || !ok || height != 0 {
		t.Fatalf("blockHeightByHash wrong: height=%d ok=%v err=%v", height, ok, err)
	}
	txids, ok, err := c.GetBlockTransactionHashes(ctx, hash)
	if err != nil || !ok || len(txids) != 1 {
		t.Fatalf("blockTransactionHashes wrong: len=%d ok=%v err=%v", len(txids), ok, err)
	}
	if _, ok, err := c.GetTransaction(ctx, txids[0]); err != nil || !ok {
		t.Fatalf("transaction missing: ok=%v err=%v", ok, err)
	}
}
