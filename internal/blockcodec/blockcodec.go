// Package blockcodec implements StoredBlock: a decomposition of a raw
// Bitcoin block into its 80-byte header and its transaction bytes, split
// so the system can address a single transaction without re-parsing or
// re-serializing anything.
package blockcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrMalformedBlock is returned whenever input bytes cannot be parsed as
// a well-formed block, or a StoredBlock's header/txdata are mutually
// inconsistent.
var ErrMalformedBlock = errors.New("blockcodec: malformed block")

const HeaderSize = 80

// StoredBlock is a block's 80-byte header plus the raw serialized bytes
// of every transaction in the block, concatenated, with the length of
// each transaction recorded so Tx can slice out any one of them in O(1)
// after an O(n) prefix-sum is built.
type StoredBlock struct {
	Header [HeaderSize]byte
	Lens   []int
	Blob   []byte

	prefix []int // prefix[i] = sum(Lens[:i]); built lazily by Tx/txOffsets
}

// NewStoredBlockFromRaw decodes a full consensus-serialized block (as
// returned by the upstream REST server's /block/{hash}.bin, or read from
// a blkNNNNN.dat file) into a StoredBlock. Each transaction is
// re-serialized individually to populate Blob and Lens; the header bytes
// come from the library's own header serializer, not from slicing raw,
// so the two always agree.
func NewStoredBlockFromRaw(raw []byte) (*StoredBlock, error) {
	var msg wire.MsgBlock
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlock, err)
	}

	var headerBuf bytes.Buffer
	if err := msg.Header.Serialize(&headerBuf); err != nil {
		return nil, fmt.Errorf("%w: serializing header: %v", ErrMalformedBlock, err)
	}
	sb := &StoredBlock{}
	copy(sb.Header[:], headerBuf.Bytes())

	sb.Lens = make([]int, len(msg.Transactions))
	var blob bytes.Buffer
	for i, tx := range msg.Transactions {
		before := blob.Len()
		if err := tx.Serialize(&blob); err != nil {
			return nil, fmt.Errorf("%w: serializing tx %d: %v", ErrMalformedBlock, i, err)
		}
		sb.Lens[i] = blob.Len() - before
	}
	sb.Blob = blob.Bytes()
	return sb, nil
}

// NewStoredBlockFromParts builds a StoredBlock directly from its
// components, validating that the lengths sum to the blob size.
func NewStoredBlockFromParts(header [HeaderSize]byte, lens []int, blob []byte) (*StoredBlock, error) {
	sum := 0
	for _, l := range lens {
		if l < 0 {
			return nil, fmt.Errorf("%w: negative transaction length", ErrMalformedBlock)
		}
		sum += l
	}
	if sum != len(blob) {
		return nil, fmt.Errorf("%w: sum(lens)=%d != len(blob)=%d", ErrMalformedBlock, sum, len(blob))
	}
	return &StoredBlock{Header: header, Lens: append([]int(nil), lens...), Blob: blob}, nil
}

// BlockHash returns the double-SHA-256 hash of the header, in internal
// (storage) byte order.
func (sb *StoredBlock) BlockHash() (chainhash.Hash, error) {
	var hdr wire.BlockHeader
	if err := hdr.Deserialize(bytes.NewReader(sb.Header[:])); err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrMalformedBlock, err)
	}
	return hdr.BlockHash(), nil
}

// TxCount returns the number of transactions recorded in this block.
func (sb *StoredBlock) TxCount() int {
	return len(sb.Lens)
}

func (sb *StoredBlock) txOffsets() []int {
	if sb.prefix != nil {
		return sb.prefix
	}
	prefix := make([]int, len(sb.Lens)+1)
	for i, l := range sb.Lens {
		prefix[i+1] = prefix[i] + l
	}
	sb.prefix = prefix
	return prefix
}

// Tx returns the raw serialized bytes of the i'th transaction in the
// block, without parsing any other transaction.
func (sb *StoredBlock) Tx(i int) ([]byte, error) {
	if i < 0 || i >= len(sb.Lens) {
		return nil, fmt.Errorf("%w: transaction index %d out of range (count=%d)", ErrMalformedBlock, i, len(sb.Lens))
	}
	prefix := sb.txOffsets()
	return sb.Blob[prefix[i]:prefix[i+1]], nil
}

// TxHash returns the txid (double-SHA-256 of the non-witness
// serialization) of the i'th transaction, in internal byte order.
func (sb *StoredBlock) TxHash(i int) (chainhash.Hash, error) {
	raw, err := sb.Tx(i)
	if err != nil {
		return chainhash.Hash{}, err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: parsing tx %d: %v", ErrMalformedBlock, i, err)
	}
	return tx.TxHash(), nil
}

// EncodeToWriter writes the raw-block round-trip form: header, then a
// VarInt transaction count, then the concatenated transaction bytes, with
// no per-transaction length prefixes. The result is byte-identical to a
// canonical consensus-serialized block only when the original
// transactions were non-witness-serialized the same way; reconstructing
// it requires reparsing every transaction to find its boundary.
func (sb *StoredBlock) EncodeToWriter(w io.Writer) error {
	if _, err := w.Write(sb.Header[:]); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, 0, uint64(len(sb.Lens))); err != nil {
		return err
	}
	_, err := w.Write(sb.Blob)
	return err
}

// DecodeFromRawReader parses the form written by EncodeToWriter. Because
// there are no length prefixes, each transaction must be parsed in turn
// to discover where it ends.
func DecodeFromRawReader(r io.Reader) (*StoredBlock, error) {
	sb := &StoredBlock{}
	if _, err := io.ReadFull(r, sb.Header[:]); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrMalformedBlock, err)
	}
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: reading tx count: %v", ErrMalformedBlock, err)
	}

	var blob bytes.Buffer
	lens := make([]int, 0, count)
	teeReader := io.TeeReader(r, &blob)
	for i := uint64(0); i < count; i++ {
		before := blob.Len()
		var tx wire.MsgTx
		if err := tx.Deserialize(teeReader); err != nil {
			return nil, fmt.Errorf("%w: parsing tx %d: %v", ErrMalformedBlock, i, err)
		}
		lens = append(lens, blob.Len()-before)
	}
	sb.Lens = lens
	sb.Blob = blob.Bytes()
	return sb, nil
}

// EncodePersist writes the storage form: header, VarInt transaction
// count, a VarInt length for each transaction, then the concatenated
// transaction blob. Unlike EncodeToWriter's form, this can be decoded
// without a transaction parser.
func (sb *StoredBlock) EncodePersist(w io.Writer) error {
	if _, err := w.Write(sb.Header[:]); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, 0, uint64(len(sb.Lens))); err != nil {
		return err
	}
	for _, l := range sb.Lens {
		if l < 0 {
			return fmt.Errorf("%w: negative transaction length", ErrMalformedBlock)
		}
		if err := wire.WriteVarInt(w, 0, uint64(l)); err != nil {
			return err
		}
	}
	_, err := w.Write(sb.Blob)
	return err
}

// DecodePersist parses the form written by EncodePersist.
func DecodePersist(r io.Reader) (*StoredBlock, error) {
	sb := &StoredBlock{}
	if _, err := io.ReadFull(r, sb.Header[:]); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrMalformedBlock, err)
	}
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: reading tx count: %v", ErrMalformedBlock, err)
	}
	lens := make([]int, count)
	total := 0
	for i := range lens {
		l, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: reading length %d: %v", ErrMalformedBlock, i, err)
		}
		lens[i] = int(l)
		total += int(l)
	}
	blob := make([]byte, total)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, fmt.Errorf("%w: reading blob: %v", ErrMalformedBlock, err)
	}
	sb.Lens = lens
	sb.Blob = blob
	return sb, nil
}

// HeightLE encodes a block height as 4 bytes little-endian, the encoding
// used throughout the key schema for nextBlockHeight and
// blockHeightByHash values.
func HeightLE(height uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, height)
	return b
}

// HeightFromLE decodes a 4-byte little-endian height value.
func HeightFromLE(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("blockcodec: height value is %d bytes, want 4", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}
