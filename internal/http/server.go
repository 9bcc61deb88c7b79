// Package http serves a read-mostly inspection API of a feedmesh node.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"feedmesh/pkg/feed"
	"feedmesh/pkg/replication"
	"feedmesh/pkg/timeframe"
	"feedmesh/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	defaultEntryLimit      = 100
	maxPayloadBytes        = 1 << 20
)

type iFeedStore interface {
	Feeds() []*feed.Feed
	Feed(id types.LogID) (*feed.Feed, bool)
	Append(ctx context.Context, id types.LogID, payload []byte) (types.Seq, error)
}

type iReader interface {
	Timeframe() timeframe.Timeframe
	Size() int
}

type iNegotiator interface {
	Streams() []replication.ActiveStream
	RemoteFeeds() []types.LogID
}

// Server represents the HTTP server of one node
type Server struct {
	store      iFeedStore
	reader     iReader
	negotiator iNegotiator
	metrics    http.Handler
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance
func NewServer(store iFeedStore, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		store: store,
		URL:   "http://localhost:" + port,
		addr:  ":" + port,
	}
}

func (s *Server) SetReader(r iReader)         { s.reader = r }
func (s *Server) SetNegotiator(n iNegotiator) { s.negotiator = n }
func (s *Server) SetMetrics(h http.Handler)   { s.metrics = h }

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/timeframe", s.handleTimeframe)
		r.Get("/feeds", s.handleFeeds)
		r.Get("/feeds/{id}", s.handleFeed)
		r.Post("/feeds/{id}", s.handleAppend)
		r.Get("/streams", s.handleStreams)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleTimeframe(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("reader not available"))
		return
	}
	tf := s.reader.Timeframe()
	info := ReaderInfo{Feeds: s.reader.Size(), Timeframe: make(map[string]uint64, tf.Len())}
	for _, fr := range tf.Entries() {
		info.Timeframe[string(fr.LogID)] = uint64(fr.Seq)
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(info))
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	feeds := s.store.Feeds()
	out := make([]FeedInfo, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, FeedInfo{ID: string(f.ID()), Length: f.Len()})
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(out))
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	id := types.LogID(chi.URLParam(r, "id"))
	f, ok := s.store.Feed(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Feed not found"))
		return
	}

	from, err := queryUint(r, "from", 0)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	limit, err := queryUint(r, "limit", defaultEntryLimit)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	detail := FeedDetail{
		FeedInfo: FeedInfo{ID: string(id), Length: f.Len()},
		Entries:  []EntryInfo{},
	}
	cur := f.ReadFrom(from, false)
	defer cur.Close()
	for uint64(len(detail.Entries)) < limit {
		e, err := cur.Next(r.Context())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
			return
		}
		detail.Entries = append(detail.Entries, EntryInfo{Seq: uint64(e.Seq), Payload: e.Payload})
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(detail))
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	id := types.LogID(chi.URLParam(r, "id"))
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read body"))
		return
	}
	if len(payload) == 0 || len(payload) > maxPayloadBytes {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Payload must be 1 byte to 1 MiB"))
		return
	}

	seq, err := s.store.Append(r.Context(), id, payload)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(AppendResult{Seq: uint64(seq)}))
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if s.negotiator == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("replication not available"))
		return
	}
	info := StreamsInfo{Streams: []StreamInfo{}, RemoteFeeds: []string{}}
	for _, st := range s.negotiator.Streams() {
		info.Streams = append(info.Streams, StreamInfo{
			Log:      string(st.LogID),
			Tag:      st.Tag,
			Upload:   st.Direction.Upload,
			Download: st.Direction.Download,
		})
	}
	for _, id := range s.negotiator.RemoteFeeds() {
		info.RemoteFeeds = append(info.RemoteFeeds, string(id))
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(info))
}

func queryUint(r *http.Request, key string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}
