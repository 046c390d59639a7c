package blockcodec

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// Genesis block header and full genesis block, from the original
// implementation's embedded test vectors.
const genesisHeaderHex = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d1dac2b7c"

const genesisBlockHex = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d1dac2b7c01010000000100000000000000000000000000000000000000000000000000000000000000000000ffffffff4d04ffff001d0104455468652054696d65732030332f4a616e2f32303039204368616e63656c6c6f72206f6e206272696e6b206f66207365636f6e64206261696c6f757420666f722062616e6b73ffffffff0100f2052a01000000434104678afdb0fe5548271967f1a67130b7105cd6a828e03909a67962e0ea1f61deb649f6bc3f4cef38c4f35504e51ec112de5c384df7ba0b8d578a4c702b6bf11d5fac00000000"

const genesisDisplayHash = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"

func TestGenesisHeaderHashesCorrectly(t *testing.T) {
	raw, err := hex.DecodeString(genesisHeaderHex)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != HeaderSize {
		t.Fatalf("genesis header is %d bytes, want %d", len(raw), HeaderSize)
	}
	var sb StoredBlock
	copy(sb.Header[:], raw)
	hash, err := sb.BlockHash()
	if err != nil {
		t.Fatal(err)
	}
	if hash.String() != genesisDisplayHash {
		t.Fatalf("got display hash %s, want %s", hash.String(), genesisDisplayHash)
	}
}

func TestGenesisBlockRoundTrips(t *testing.T) {
	raw, err := hex.DecodeString(genesisBlockHex)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := NewStoredBlockFromRaw(raw)
	if err != nil {
		t.Fatal(err)
	}
	if sb.TxCount() != 1 {
		t.Fatalf("genesis block has %d transactions, want 1", sb.TxCount())
	}
	hash, err := sb.BlockHash()
	if err != nil {
		t.Fatal(err)
	}
	if hash.String() != genesisDisplayHash {
		t.Fatalf("got display hash %s, want %s", hash.String(), genesisDisplayHash)
	}

	var buf bytes.Buffer
	if err := sb.EncodeToWriter(&buf); err != nil {
		t.Fatal(err)
	}
	back, err := DecodeFromRawReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if back.Header != sb.Header || !bytes.Equal(back.Blob, sb.Blob) {
		t.Fatal("raw encode/decode round trip did not preserve header/blob")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	raw, err := hex.DecodeString(genesisBlockHex)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := NewStoredBlockFromRaw(raw)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := sb.EncodePersist(&buf); err != nil {
		t.Fatal(err)
	}
	back, err := DecodePersist(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if back.Header != sb.Header || !bytes.Equal(back.Blob, sb.Blob) {
		t.Fatal("persist encode/decode round trip did not preserve header/blob")
	}
	if len(back.Lens) != len(sb.Lens) {
		t.Fatalf("got %d lens, want %d", len(back.Lens), len(sb.Lens))
	}
	for i := range sb.Lens {
		if back.Lens[i] != sb.Lens[i] {
			t.Fatalf("lens[%d] = %d, want %d", i, back.Lens[i], sb.Lens[i])
		}
	}
}

func TestTxAccessorMatchesCoinbase(t *testing.T) {
	raw, err := hex.DecodeString(genesisBlockHex)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := NewStoredBlockFromRaw(raw)
	if err != nil {
		t.Fatal(err)
	}
	txBytes, err := sb.Tx(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txBytes) == 0 {
		t.Fatal("expected non-empty coinbase transaction bytes")
	}
	if _, err := sb.Tx(1); err == nil {
		t.Fatal("expected error for out-of-range transaction index")
	}
}

func TestNewStoredBlockFromPartsRejectsLengthMismatch(t *testing.T) {
	var header [HeaderSize]byte
	_, err := NewStoredBlockFromParts(header, []int{5, 5}, []byte("short"))
	if err == nil {
		t.Fatal("expected error for mismatched lens/blob")
	}
}

func TestHeightLERoundTrip(t *testing.T) {
	for _, h := range []uint32{0, 1, 255, 256, 1<<32 - 1} {
		b := HeightLE(h)
		if len(b) != 4 {
			t.Fatalf("HeightLE(%d) is %d bytes, want 4", h, len(b))
		}
		back, err := HeightFromLE(b)
		if err != nil {
			t.Fatal(err)
		}
		if back != h {
			t.Fatalf("HeightFromLE(HeightLE(%d)) = %d", h, back)
		}
	}
}
