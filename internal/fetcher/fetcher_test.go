package fetcher

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/bitcoin-rest-mirror/mirror/hash32"
)

// fakeUpstream serves a tiny deterministic chain of fake 80-byte headers
// and "blocks" (which, for these tests, are just the 80 header bytes
// themselves -- enough to exercise fetching and ordering without
// needing real consensus-valid blocks).
type fakeUpstream struct {
	headers [][80]byte
}

func newFakeUpstream(n int) *fakeUpstream {
	u := &fakeUpstream{}
	var prev [80]byte
	for i := 0; i < n; i++ {
		var h [80]byte
		copy(h[:], prev[:])
		binary.LittleEndian.PutUint32(h[76:80], uint32(i))
		u.headers = append(u.headers, h)
		prev = headerHashBytes(h)
	}
	return u
}

func headerHashBytes(h [80]byte) [80]byte {
	hash := headerHash(h)
	var out [80]byte
	copy(out[:], hash[:])
	return out
}

func (u *fakeUpstream) heightOf(hashHex string) (int, bool) {
	for i, h := range u.headers {
		hh := headerHash(h)
		if hash32.Encode(hh) == hashHex {
			return i, true
		}
	}
	return 0, false
}

func (u *fakeUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasPrefix(path, "/rest/blockhashbyheight/"):
			rest := strings.TrimPrefix(path, "/rest/blockhashbyheight/")
			rest = strings.TrimSuffix(rest, ".bin")
			height, err := strconv.Atoi(rest)
			if err != nil || height < 0 || height >= len(u.headers) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			hash := headerHash(u.headers[height])
			w.Write(hash32.ToSlice(hash))
		case strings.HasPrefix(path, "/rest/headers/"):
			rest := strings.TrimPrefix(path, "/rest/headers/")
			rest = strings.TrimSuffix(rest, ".bin")
			startHeight, ok := u.heightOf(rest)
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			count := 2000
			if c := r.URL.Query().Get("count"); c != "" {
				count, _ = strconv.Atoi(c)
			}
			var out []byte
			for i := startHeight; i < len(u.headers) && i < startHeight+count; i++ {
				out = append(out, u.headers[i][:]...)
			}
			w.Write(out)
		case strings.HasPrefix(path, "/rest/block/"):
			rest := strings.TrimPrefix(path, "/rest/block/")
			rest = strings.TrimSuffix(rest, ".bin")
			height, ok := u.heightOf(rest)
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(u.headers[height][:])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestAllHeadersFetchesFullChain(t *testing.T) {
	upstream := newFakeUpstream(5)
	srv := httptest.NewServer(upstream.handler())
	defer srv.Close()

	c := NewRestClient(srv.URL)
	startHash, err := c.BlockHashByHeight(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	headers, err := c.AllHeaders(context.Background(), startHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(headers) != 5 {
		t.Fatalf("got %d headers, want 5", len(headers))
	}
	for i, h := range headers {
		if h != upstream.headers[i] {
			t.Fatalf("header %d mismatch", i)
		}
	}
}

func TestDownloaderShiftDeliversInOrder(t *testing.T) {
	upstream := newFakeUpstream(10)
	srv := httptest.NewServer(upstream.handler())
	defer srv.Close()

	c := NewRestClient(srv.URL)
	d := NewDownloader(c).WithConcurrency(3).WithMaxBuffer(100)
	if err := d.Run(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	for want := uint32(0); want < 10; want++ {
		height, block, ok, err := d.Shift(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("Shift ended early at height %d", want)
		}
		if height != want {
			t.Fatalf("Shift returned height %d, want %d", height, want)
		}
		if len(block) != 80 {
			t.Fatalf("unexpected block length %d", len(block))
		}
	}
	_, _, ok, err := d.Shift(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected Shift to report exhaustion after all blocks delivered")
	}
}

func TestDownloaderShiftReturnsErrorWhenAWorkerExhaustsRetries(t *testing.T) {
	upstream := newFakeUpstream(5)
	failHeight := 2
	handler := upstream.handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/rest/block/") {
			rest := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/rest/block/"), ".bin")
			if height, ok := upstream.heightOf(rest); ok && height == failHeight {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
		handler(w, r)
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL)
	d := NewDownloader(c).WithConcurrency(1).WithMaxBuffer(100)
	if err := d.Run(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	for want := uint32(0); want < uint32(failHeight); want++ {
		_, _, ok, err := d.Shift(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("Shift ended early at height %d", want)
		}
	}

	_, _, ok, err := d.Shift(context.Background())
	if err == nil {
		t.Fatal("expected Shift to return the worker's retry-exhaustion error")
	}
	if ok {
		t.Fatal("expected ok=false alongside the fatal error")
	}
}

func TestRestClientRetriesOnFailureThenFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL)
	_, err := c.BlockHashByHeight(context.Background(), 0)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries {
		t.Fatalf("got %d attempts, want %d", calls, maxRetries)
	}
}
