// Copyright (c) 2019-2020 The Zcash developers
// Distributed under the MIT software license, see the accompanying
// file COPYING or https://www.opensource.org/licenses/mit-license.php .
//
// This tool reads a set of files, each containing a list of hex-encoded
// transactions (one per line, can be empty), and writes a deterministic,
// internally-linked chain of raw Bitcoin blocks, one per input file,
// either as a hex stream on stdout (one block per line) or as
// blkNNNNN.dat files suitable for internal/blkreader fixtures.
//
// The default start height is 0, so the program expects to find files
// blocks/0.txt, blocks/1.txt, ...
package main

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/btcsuite/btcd/wire"
)

// fakeCoinbaseHex is a template coinbase transaction; its BIP34 height
// push is overwritten per block so that each generated block's coinbase
// is unique even when the rest of the template is fixed.
const fakeCoinbaseHex = "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff04039c0c00ffffffff0100f2052a01000000434104678afdb0fe5548271967f1a67130b7105cd6a828e03909a67962e0ea1f61deb649f6bc3f4cef38c4f35504e51ec112de5c384df7ba0b8d578a4c702b6bf11d5fac00000000"

type options struct {
	startHeight int
	blocksDir   string
	outDir      string
	blkFile     string
}

func main() {
	opts := &options{}
	flag.IntVar(&opts.startHeight, "start-height", 0, "generated blocks start at this height")
	flag.StringVar(&opts.blocksDir, "blocks-dir", "./blocks", "directory containing <N>.txt for each block height <N>, one hex-encoded transaction per line")
	flag.StringVar(&opts.outDir, "out-dir", "", "write blkNNNNN.dat files here instead of a hex stream on stdout")
	flag.StringVar(&opts.blkFile, "blk-file", "blk00000.dat", "filename (under out-dir) to append each generated block to")
	flag.Parse()

	var out *os.File
	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0755); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		f, err := os.OpenFile(path.Join(opts.outDir, opts.blkFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	var prevHash [32]byte
	height := opts.startHeight

	// Keep opening <height>.txt and incrementing until the file doesn't exist.
	for {
		file, err := os.Open(path.Join(opts.blocksDir, strconv.Itoa(height)+".txt"))
		if err != nil {
			break
		}
		txHexes := readTxHexes(file)
		file.Close()

		coinbase := coinbaseForHeight(height)
		txCount := 1 + len(txHexes)
		if txCount >= 0xfd {
			fmt.Fprintln(os.Stderr, "genblocks: too many transactions for a single-byte compactsize")
			os.Exit(1)
		}

		merkleInput := append([]byte{}, coinbase...)
		for _, h := range txHexes {
			merkleInput = append(merkleInput, []byte(h)...)
		}
		merkleRoot := sha256.Sum256(append(merkleInput, []byte(fmt.Sprintf("#%d", height))...))

		header := &wire.BlockHeader{
			Version:    1,
			PrevBlock:  prevHash,
			MerkleRoot: merkleRoot,
			Bits:       0x1d00ffff,
			Nonce:      uint32(height),
		}

		headerBytes, err := serializeHeader(header)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		block := append(append([]byte{}, headerBytes...), byte(txCount))
		block = append(block, coinbase...)
		for _, h := range txHexes {
			raw, err := hex.DecodeString(h)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			block = append(block, raw...)
		}

		if out != nil {
			writeBlkFrame(out, block)
		} else {
			fmt.Println(hex.EncodeToString(block))
		}

		firstHash := sha256.Sum256(headerBytes)
		prevHash = sha256.Sum256(firstHash[:])
		height++
	}
}

func readTxHexes(f *os.File) []string {
	var lines []string
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		if len(scan.Bytes()) > 0 {
			lines = append(lines, scan.Text())
		}
	}
	return lines
}

// coinbaseForHeight overwrites the three data bytes of the template's
// BIP34 height push with the requested block height, little-endian, so
// successive blocks mint distinct coinbase transactions.
func coinbaseForHeight(height int) []byte {
	raw, err := hex.DecodeString(fakeCoinbaseHex)
	if err != nil {
		panic(err)
	}
	var h [4]byte
	binary.LittleEndian.PutUint32(h[:], uint32(height))
	copy(raw[43:46], h[:3])
	return raw
}

func serializeHeader(h *wire.BlockHeader) ([]byte, error) {
	var buf bytes.Buffer
	if err := h.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBlkFrame(out *os.File, block []byte) {
	magic := [4]byte{0xf9, 0xbe, 0xb4, 0xd9}
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(block)))
	out.Write(magic[:])
	out.Write(size[:])
	out.Write(block)
}
