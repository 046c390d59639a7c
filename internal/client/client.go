// Package client implements the key schema and block read/write
// operations that sit between the blockchain's on-wire representation
// and the external key-value store: the system's single point of
// contact with persisted chain state.
package client

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bitcoin-rest-mirror/mirror/hash32"
	"github.com/bitcoin-rest-mirror/mirror/internal/blockcodec"
	"github.com/bitcoin-rest-mirror/mirror/internal/kvs"
)

// Client reads and writes chain state under a namespace/chain-scoped key
// prefix in a Store.
type Client struct {
	store     kvs.Store
	namespace string
	chain     string
}

// New returns a Client scoped to namespace and chain, e.g.
// New(store, "mirror", "BTC").
func New(store kvs.Store, namespace, chain string) *Client {
	return &Client{store: store, namespace: namespace, chain: chain}
}

// Namespace returns the configured KVS namespace.
func (c *Client) Namespace() string { return c.namespace }

// Chain returns the configured chain name.
func (c *Client) Chain() string { return c.chain }

func (c *Client) key(prefix, key string) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.namespace, c.chain, prefix, key)
}

// --- nextBlockHeight -------------------------------------------------

// GetNextBlockHeight returns the height of the next block this mirror
// has not yet persisted. A never-synced chain returns 0.
func (c *Client) GetNextBlockHeight(ctx context.Context) (uint32, error) {
	value, ok, err := c.store.Get(ctx, c.key("nextBlockHeight", ""))
	if err != nil {
		return 0, fmt.Errorf("client: get next block height: %w", err)
	}
	if !ok {
		return 0, nil
	}
	height, err := blockcodec.HeightFromLE(value)
	if err != nil {
		return 0, fmt.Errorf("client: decode next block height: %w", err)
	}
	return height, nil
}

// AdvanceHead sets nextBlockHeight to height+1 directly, without writing
// any block data. It exists so a single coordinating goroutine can
// advance the head strictly in order after a pool of workers has
// already persisted each block's data with advanceHead=false in
// AddBlock; workers must never call this themselves.
func (c *Client) AdvanceHead(ctx context.Context, height uint32) error {
	return c.setNextBlockHeight(ctx, height+1)
}

func (c *Client) setNextBlockHeight(ctx context.Context, height uint32) error {
	if err := c.store.Set(ctx, c.key("nextBlockHeight", ""), blockcodec.HeightLE(height)); err != nil {
		return fmt.Errorf("client: set next block height: %w", err)
	}
	return nil
}

// --- blockHeader -------------------------------------------------------

// GetBlockHeader returns the 80-byte header for blockHash, or ok=false
// if it has never been persisted.
func (c *Client) GetBlockHeader(ctx context.Context, blockHash chainhash.Hash) (header []byte, ok bool, err error) {
	value, ok, err := c.store.Get(ctx, c.key("blockHeader", hash32.EncodeInternalHex(blockHash)))
	if err != nil {
		return nil, false, fmt.Errorf("client: get block header: %w", err)
	}
	return value, ok, nil
}

func (c *Client) setBlockHeader(ctx context.Context, blockHash chainhash.Hash, header []byte) error {
	if err := c.store.Set(ctx, c.key("blockHeader", hash32.EncodeInternalHex(blockHash)), header); err != nil {
		return fmt.Errorf("client: set block header: %w", err)
	}
	return nil
}

// --- blockHashByHeight / blockHeightByHash -----------------------------

// GetBlockHashByHeight returns the block hash stored at height, or
// ok=false if nothing has been persisted there yet.
func (c *Client) GetBlockHashByHeight(ctx context.Context, height uint32) (chainhash.Hash, bool, error) {
	value, ok, err := c.store.Get(ctx, c.key("blockHashByHeight", strconv.FormatUint(uint64(height), 10)))
	if err != nil {
		return chainhash.Hash{}, false, fmt.Errorf("client: get block hash by height: %w", err)
	}
	if !ok {
		return chainhash.Hash{}, false, nil
	}
	return hash32.FromSlice(value), true, nil
}

func (c *Client) setBlockHashByHeight(ctx context.Context, height uint32, blockHash chainhash.Hash) error {
	key := c.key("blockHashByHeight", strconv.FormatUint(uint64(height), 10))
	if err := c.store.Set(ctx, key, hash32.ToSlice(blockHash)); err != nil {
		return fmt.Errorf("client: set block hash by height: %w", err)
	}
	return nil
}

// GetBlockHeightByHash returns the height at which blockHash was
// persisted, or ok=false if it is unknown.
func (c *Client) GetBlockHeightByHash(ctx context.Context, blockHash chainhash.Hash) (uint32, bool, error) {
	value, ok, err := c.store.Get(ctx, c.key("blockHeightByHash", hash32.EncodeInternalHex(blockHash)))
	if err != nil {
		return 0, false, fmt.Errorf("client: get block height by hash: %w", err)
	}
	if !ok {
		return 0, false, nil
	}
	height, err := blockcodec.HeightFromLE(value)
	if err != nil {
		return 0, false, fmt.Errorf("client: decode block height by hash: %w", err)
	}
	return height, true, nil
}

func (c *Client) setBlockHeightByHash(ctx context.Context, blockHash chainhash.Hash, height uint32) error {
	key := c.key("blockHeightByHash", hash32.EncodeInternalHex(blockHash))
	if err := c.store.Set(ctx, key, blockcodec.HeightLE(height)); err != nil {
		return fmt.Errorf("client: set block height by hash: %w", err)
	}
	return nil
}

// --- blockTransactionHashes ---------------------------------------------

// GetBlockTransactionHashes returns the txids of every transaction in
// blockHash's block, in block order, decoded from the stored value of
// concatenated 32-byte hashes.
func (c *Client) GetBlockTransactionHashes(ctx context.Context, blockHash chainhash.Hash) ([]chainhash.Hash, bool, error) {
	value, ok, err := c.store.Get(ctx, c.key("blockTransactionHashes", hash32.EncodeInternalHex(blockHash)))
	if err != nil {
		return nil, false, fmt.Errorf("client: get block transaction hashes: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	if len(value)%32 != 0 {
		return nil, false, fmt.Errorf("client: block transaction hashes value is %d bytes, not a multiple of 32", len(value))
	}
	hashes := make([]chainhash.Hash, len(value)/32)
	for i := range hashes {
		hashes[i] = hash32.FromSlice(value[i*32 : (i+1)*32])
	}
	return hashes, true, nil
}

func (c *Client) setBlockTransactionHashes(ctx context.Context, blockHash chainhash.Hash, txids []chainhash.Hash) error {
	blob := make([]byte, 0, len(txids)*32)
	for _, h := range txids {
		blob = append(blob, hash32.ToSlice(h)...)
	}
	key := c.key("blockTransactionHashes", hash32.EncodeInternalHex(blockHash))
	if err := c.store.Set(ctx, key, blob); err != nil {
		return fmt.Errorf("client: set block transaction hashes: %w", err)
	}
	return nil
}

// --- transaction ----------------------------------------------------------

// GetTransaction returns the raw serialized bytes of the transaction
// identified by txid, or ok=false if it has never been persisted.
func (c *Client) GetTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, bool, error) {
	value, ok, err := c.store.Get(ctx, c.key("transaction", hash32.EncodeInternalHex(txid)))
	if err != nil {
		return nil, false, fmt.Errorf("client: get transaction: %w", err)
	}
	return value, ok, nil
}

func (c *Client) setTransaction(ctx context.Context, txid chainhash.Hash, raw []byte) error {
	if err := c.store.Set(ctx, c.key("transaction", hash32.EncodeInternalHex(txid)), raw); err != nil {
		return fmt.Errorf("client: set transaction: %w", err)
	}
	return nil
}

// --- add_block / get_block --------------------------------------------------

// AddBlock decodes raw (a full consensus-serialized block) and persists
// its header, per-transaction bodies, transaction hash list, and
// height/hash cross-reference entries at height. If advanceHead is true,
// nextBlockHeight is set to height+1 once every other write has
// succeeded; callers running multiple AddBlock calls concurrently must
// pass advanceHead=false for all but a single coordinating goroutine,
// since nextBlockHeight must advance strictly in height order.
//
// AddBlock is idempotent: re-applying the same (height, raw) pair is a
// no-op from the reader's point of view, since every write simply
// overwrites the same key with the same value.
func (c *Client) AddBlock(ctx context.Context, height uint32, raw []byte, advanceHead bool) error {
	sb, err := blockcodec.NewStoredBlockFromRaw(raw)
	if err != nil {
		return err
	}
	blockHash, err := sb.BlockHash()
	if err != nil {
		return err
	}

	txids := make([]chainhash.Hash, sb.TxCount())
	for i := 0; i < sb.TxCount(); i++ {
		txBytes, err := sb.Tx(i)
		if err != nil {
			return err
		}
		txid, err := sb.TxHash(i)
		if err != nil {
			return err
		}
		if err := c.setTransaction(ctx, txid, txBytes); err != nil {
			return err
		}
		txids[i] = txid
	}

	if err := c.setBlockTransactionHashes(ctx, blockHash, txids); err != nil {
		return err
	}
	if err := c.setBlockHeader(ctx, blockHash, sb.Header[:]); err != nil {
		return err
	}
	if err := c.setBlockHeightByHash(ctx, blockHash, height); err != nil {
		return err
	}
	if err := c.setBlockHashByHeight(ctx, height, blockHash); err != nil {
		return err
	}

	if advanceHead {
		if err := c.setNextBlockHeight(ctx, height+1); err != nil {
			return err
		}
	}
	return nil
}

// GetBlock reconstructs the canonical consensus-serialized bytes of the
// block identified by blockHash: header, VarInt transaction count, then
// each transaction's bytes in order. It returns ok=false if the header,
// the transaction hash list, or any individual transaction is missing
// from the store.
func (c *Client) GetBlock(ctx context.Context, blockHash chainhash.Hash) ([]byte, bool, error) {
	header, ok, err := c.GetBlockHeader(ctx, blockHash)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	txids, ok, err := c.GetBlockTransactionHashes(ctx, blockHash)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var headerArr [blockcodec.HeaderSize]byte
	if len(header) != blockcodec.HeaderSize {
		return nil, false, fmt.Errorf("client: stored header is %d bytes, want %d", len(header), blockcodec.HeaderSize)
	}
	copy(headerArr[:], header)

	lens := make([]int, len(txids))
	var blob []byte
	for i, txid := range txids {
		raw, ok, err := c.GetTransaction(ctx, txid)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		lens[i] = len(raw)
		blob = append(blob, raw...)
	}

	sb, err := blockcodec.NewStoredBlockFromParts(headerArr, lens, blob)
	if err != nil {
		return nil, false, err
	}
	var buf bytes.Buffer
	if err := sb.EncodeToWriter(&buf); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}
