// Package restserver re-serves a subset of the Bitcoin Core REST
// interface (tx, block, headers, blockhashbyheight) from the mirrored
// KVS state, matching the upstream server's path shape, extension
// handling, and hex/bin byte-order conventions exactly.
package restserver

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bitcoin-rest-mirror/mirror/hash32"
	"github.com/bitcoin-rest-mirror/mirror/internal/client"
)

const defaultHeadersCount = 5

// Server re-serves REST routes from a Client.
type Server struct {
	client *client.Client
	log    *logrus.Entry
	mux    *chi.Mux
}

// New builds a Server with all routes registered and ready to serve.
func New(c *client.Client, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{client: c, log: log}
	s.mux = chi.NewRouter()
	s.mux.Use(requestLogger(log))
	s.mux.Get("/rest/tx/{id}", s.handleTx)
	s.mux.Get("/rest/block/{id}", s.handleBlock)
	s.mux.Get("/rest/headers/{id}", s.handleHeaders)
	s.mux.Get("/rest/blockhashbyheight/{height}", s.handleBlockHashByHeight)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func requestLogger(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"duration": time.Since(start),
			}).Info("request")
		})
	}
}

// parseIDAndExt splits a chi {id} capture on its final '.', decoding the
// hex portion as a display-order (reversed) 32-byte hash. An id that
// does not hex-decode to exactly 32 bytes, or has no extension, is
// rejected.
func parseIDAndExt(raw string) (hash hash32.T, ext string, err error) {
	idx := strings.LastIndex(raw, ".")
	if idx < 0 {
		return hash32.T{}, "", errors.New("missing extension")
	}
	hexPart, ext := raw[:idx], raw[idx+1:]
	if len(hexPart) != 64 {
		return hash32.T{}, "", errors.New("hash must be 64 hex characters")
	}
	h, err := hash32.Decode(hexPart)
	if err != nil {
		return hash32.T{}, "", err
	}
	return h, ext, nil
}

func parseNumberAndExt(raw string) (n uint64, ext string, err error) {
	idx := strings.LastIndex(raw, ".")
	if idx < 0 {
		return 0, "", errors.New("missing extension")
	}
	numPart, ext := raw[:idx], raw[idx+1:]
	n, err = strconv.ParseUint(numPart, 10, 32)
	if err != nil {
		return 0, "", err
	}
	return n, ext, nil
}

func writeResponse(w http.ResponseWriter, data []byte, ext string) {
	switch ext {
	case "hex":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(hex.EncodeToString(data)))
	case "bin":
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		http.Error(w, "invalid extension", http.StatusBadRequest)
	}
}

func (s *Server) handleTx(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash, ext, err := parseIDAndExt(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, ok, err := s.client.GetTransaction(ctx, hash)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if !ok {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	writeResponse(w, raw, ext)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash, ext, err := parseIDAndExt(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, ok, err := s.client.GetBlock(ctx, hash)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if !ok {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	writeResponse(w, raw, ext)
}

func (s *Server) handleHeaders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash, ext, err := parseIDAndExt(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count := defaultHeadersCount
	if c := r.URL.Query().Get("count"); c != "" {
		parsed, err := strconv.Atoi(c)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
		count = parsed
	}

	anchorHeight, ok, err := s.client.GetBlockHeightByHash(ctx, hash)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if !ok {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}

	var out []byte
	for i := 0; i < count; i++ {
		height := anchorHeight + uint32(i)
		blockHash, ok, err := s.client.GetBlockHashByHeight(ctx, height)
		if err != nil {
			s.internalError(w, err)
			return
		}
		if !ok {
			// Reached the end of the known chain; return what we have.
			break
		}
		header, ok, err := s.client.GetBlockHeader(ctx, blockHash)
		if err != nil {
			s.internalError(w, err)
			return
		}
		if !ok {
			http.Error(w, "header missing for known height", http.StatusInternalServerError)
			return
		}
		out = append(out, header...)
	}
	writeResponse(w, out, ext)
}

func (s *Server) handleBlockHashByHeight(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	height, ext, err := parseNumberAndExt(chi.URLParam(r, "height"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hash, ok, err := s.client.GetBlockHashByHeight(ctx, uint32(height))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if !ok {
		http.Error(w, "height not found", http.StatusNotFound)
		return
	}

	switch ext {
	case "hex":
		// Display order: reverse before rendering.
		writeResponse(w, hash32.ToSlice(hash32.Reverse(hash)), "hex")
	case "bin":
		// Internal order: no reversal.
		writeResponse(w, hash32.ToSlice(hash), "bin")
	default:
		http.Error(w, "invalid extension", http.StatusBadRequest)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.WithError(err).Error("internal error")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

