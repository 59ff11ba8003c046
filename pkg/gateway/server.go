// Package gateway exposes the media fetch pipeline over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"mediagate/pkg/cache"
	errs "mediagate/pkg/errors"
	"mediagate/pkg/fetch"
	"mediagate/pkg/logger"
	"mediagate/pkg/metrics"
)

// CacheHeader reports whether an image came from the cache
const CacheHeader = "X-Mediagate-Cache"

// maxIDBatch bounds the id arrays accepted by batch endpoints
const maxIDBatch = 500

// SiteAPI is the subset of the upstream client used by the API endpoints
type SiteAPI interface {
	States(ctx context.Context, ids []int64) (json.RawMessage, error)
	Suggestions(ctx context.Context, id int64) ([]int64, error)
}

// Prefetcher queues cache warmups and returns how many were accepted
type Prefetcher interface {
	Enqueue(ids []int64) int
}

// Options configures the HTTP surface
type Options struct {
	AllowedOrigins []string
	// Stats backs /stats; nil disables the endpoint
	Stats func() cache.Stats
	// MetricsHandler backs /metrics; nil disables the endpoint
	MetricsHandler http.Handler
}

// Server routes API requests to the fetch chain and the site API
type Server struct {
	chain      *Chain
	api        SiteAPI
	prefetch   Prefetcher
	opts       Options
	preflights *preflightCache
	metrics    metrics.Metrics
	log        logger.Logger
}

// New creates a server. api and prefetch may be nil, which disables their endpoints.
func New(chain *Chain, api SiteAPI, prefetch Prefetcher, opts Options, m metrics.Metrics, log logger.Logger) *Server {
	if m == nil {
		m = metrics.Noop{}
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		chain:      chain,
		api:        api,
		prefetch:   prefetch,
		opts:       opts,
		preflights: newPreflightCache(preflightCacheSize),
		metrics:    m,
		log:        log.WithField("component", "gateway"),
	}
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok")
	})

	mux.HandleFunc("GET /image/preview/{id}", s.instrumented("/image/preview/{id}", s.media(ImagePreview)))
	mux.HandleFunc("GET /image/full/{id}", s.instrumented("/image/full/{id}", s.media(ImageFull)))
	mux.HandleFunc("GET /video/preview/{id}", s.instrumented("/video/preview/{id}", s.media(VideoPreview)))
	mux.HandleFunc("GET /video/full/{id}", s.instrumented("/video/full/{id}", s.media(VideoFull)))

	if s.api != nil {
		mux.HandleFunc("POST /preflight", s.instrumented("/preflight", s.handlePreflight))
		mux.HandleFunc("GET /suggestion/{id}", s.instrumented("/suggestion/{id}", s.handleSuggestion))
	}
	if s.prefetch != nil {
		mux.HandleFunc("POST /prefetch", s.instrumented("/prefetch", s.handlePrefetch))
	}
	if s.opts.Stats != nil {
		mux.HandleFunc("GET /stats", s.instrumented("/stats", s.handleStats))
	}
	if s.opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.opts.MetricsHandler)
	}

	return corsMiddleware(s.opts.AllowedOrigins, mux)
}

func (s *Server) media(v Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := ParseID(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var rangeHeader string
		if v.Class() == fetch.Video {
			rangeHeader = r.Header.Get("Range")
		}

		res, err := s.chain.Resolve(r.Context(), v, id, rangeHeader)
		if err != nil {
			if r.Context().Err() != nil {
				// Client went away; nothing to write
				return
			}
			s.writeFetchError(w, err)
			return
		}
		defer res.Close()

		if res.Stream != nil {
			for k, vals := range res.Header {
				for _, val := range vals {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(res.Status)
			if _, err := io.Copy(w, res.Stream); err != nil && r.Context().Err() == nil {
				s.log.WithError(err).DebugWithFields("stream interrupted", map[string]interface{}{
					"variant": v.String(),
					"id":      id,
				})
			}
			return
		}

		w.Header().Set("Content-Type", res.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
		if res.Cached {
			w.Header().Set(CacheHeader, "hit")
		} else {
			w.Header().Set(CacheHeader, "miss")
		}
		w.WriteHeader(http.StatusOK)
		w.Write(res.Body)
	}
}

func (s *Server) writeFetchError(w http.ResponseWriter, err error) {
	var chainErr *ChainError
	if errors.As(err, &chainErr) && chainErr.AllNotFound {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}

	key := idSetKey(ids)
	if s.preflights.Contains(key) {
		writeJSON(w, http.StatusOK, map[string]bool{"cached": true})
		return
	}

	data, err := s.api.States(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "preflight failed: "+err.Error())
		return
	}
	s.preflights.Add(key, data)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleSuggestion(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids, err := s.api.Suggestions(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errs.IsNotFound(err) {
			status = http.StatusNotFound
		}
		writeError(w, status, "suggestion failed: "+err.Error())
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	n := s.prefetch.Enqueue(ids)
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Stats())
}

// decodeIDs reads a JSON array of non-negative ids, writing a 400 on failure
func decodeIDs(w http.ResponseWriter, r *http.Request) ([]int64, bool) {
	var ids []int64
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&ids); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of ids")
		return nil, false
	}
	if len(ids) > maxIDBatch {
		writeError(w, http.StatusBadRequest, "too many ids")
		return nil, false
	}
	for _, id := range ids {
		if id < 0 {
			writeError(w, http.StatusBadRequest, "ids must be non-negative")
			return nil, false
		}
	}
	return ids, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
