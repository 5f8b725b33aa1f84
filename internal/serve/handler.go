// Package serve exposes the engine over a small JSON HTTP API. No lake
// semantics live here; handlers validate the wire format, call the
// engine and map error kinds to status codes.
package serve

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/GaspardMerten/motion-lake-server/internal/config"
	"github.com/GaspardMerten/motion-lake-server/internal/engine"
	"github.com/GaspardMerten/motion-lake-server/internal/errdefs"
	"github.com/GaspardMerten/motion-lake-server/internal/types"
)

type handler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, eng *engine.Engine, logger *zap.Logger) error {
	h := &handler{engine: eng, logger: logger}
	mux := h.routes()

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("POST /v1/collections", h.handleCreateCollection)
	mux.HandleFunc("GET /v1/collections", h.handleListCollections)
	mux.HandleFunc("GET /v1/collections/{collection}", h.handleGetCollection)
	mux.HandleFunc("DELETE /v1/collections/{collection}", h.handleDeleteCollection)
	mux.HandleFunc("POST /v1/ingest/{collection}", h.handleIngest)
	mux.HandleFunc("GET /v1/query/{collection}", h.handleQuery)
	mux.HandleFunc("POST /v1/tombstone/{collection}/{partition}", h.handleTombstone)
	return mux
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	infos, err := h.engine.ListCollections(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"collections": len(infos),
	})
}

type createCollectionRequest struct {
	Name string `json:"name"`
}

func (h *handler) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.engine.CreateCollection(r.Context(), req.Name); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

type collectionResponse struct {
	Name string `json:"name"`
	// StartMs and EndMs are the half-open span covered by committed
	// partitions.
	StartMs        int64 `json:"start_ms"`
	EndMs          int64 `json:"end_ms"`
	RecordCount    int64 `json:"record_count"`
	PartitionCount int64 `json:"partition_count"`
	TotalBytes     int64 `json:"total_bytes"`
}

func collectionJSON(info types.CollectionInfo) collectionResponse {
	return collectionResponse{
		Name:           info.Name,
		StartMs:        info.StartMs,
		EndMs:          info.EndMs,
		RecordCount:    info.RecordCount,
		PartitionCount: info.PartitionCount,
		TotalBytes:     info.TotalBytes,
	}
}

func (h *handler) handleListCollections(w http.ResponseWriter, r *http.Request) {
	infos, err := h.engine.ListCollections(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]collectionResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, collectionJSON(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.GetCollection(r.Context(), r.PathValue("collection"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collectionJSON(info))
}

func (h *handler) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteCollection(r.Context(), r.PathValue("collection")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ingestRequest struct {
	StartMs     int64          `json:"start_ms"`
	EndMs       int64          `json:"end_ms"`
	ContentType string         `json:"content_type"`
	Supersede   bool           `json:"supersede"`
	Records     []ingestRecord `json:"records"`
}

type ingestRecord struct {
	ID          string `json:"id"`
	TimestampMs int64  `json:"timestamp_ms"`
	// Payload is base64 on the wire.
	Payload []byte `json:"payload"`
}

type ingestResponse struct {
	Partition   string `json:"partition"`
	StartMs     int64  `json:"start_ms"`
	EndMs       int64  `json:"end_ms"`
	RecordCount int64  `json:"record_count"`
	ByteSize    int64  `json:"byte_size"`
	Checksum    string `json:"checksum"`
}

func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	records := make([]types.Record, len(req.Records))
	for i, rec := range req.Records {
		records[i] = types.Record{
			ID:          rec.ID,
			TimestampMs: rec.TimestampMs,
			Payload:     rec.Payload,
		}
	}

	rng := types.TimeRange{StartMs: req.StartMs, EndMs: req.EndMs}
	opts := engine.IngestOptions{
		ContentType: types.ParseContentType(req.ContentType),
		Supersede:   req.Supersede,
	}
	entry, err := h.engine.Ingest(r.Context(), collection, rng, records, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ingestResponse{
		Partition:   entry.ID,
		StartMs:     entry.Range.StartMs,
		EndMs:       entry.Range.EndMs,
		RecordCount: entry.RecordCount,
		ByteSize:    entry.ByteSize,
		Checksum:    entry.Checksum,
	})
}

type queryRecord struct {
	ID          string `json:"id"`
	TimestampMs int64  `json:"timestamp_ms"`
	Payload     []byte `json:"payload"`
}

func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	q := r.URL.Query()

	start, err1 := strconv.ParseInt(q.Get("start"), 10, 64)
	end, err2 := strconv.ParseInt(q.Get("end"), 10, 64)
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "start and end are required integer query parameters"})
		return
	}

	opts := engine.QueryOptions{}
	if asc := q.Get("asc"); asc != "" {
		ascending, err := strconv.ParseBool(asc)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "asc must be a boolean"})
			return
		}
		opts.Descending = !ascending
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		opts.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "offset must be a non-negative integer"})
			return
		}
		opts.Offset = n
	}

	cursor, err := h.engine.Query(r.Context(), collection, types.TimeRange{StartMs: start, EndMs: end}, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer cursor.Close()

	var out []queryRecord
	for cursor.Next() {
		rec := cursor.Record()
		out = append(out, queryRecord{
			ID:          rec.ID,
			TimestampMs: rec.TimestampMs,
			Payload:     rec.Payload,
		})
	}
	if err := cursor.Err(); err != nil {
		h.writeError(w, err)
		return
	}
	if out == nil {
		out = []queryRecord{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) handleTombstone(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	partition := r.PathValue("partition")
	if err := h.engine.Tombstone(r.Context(), collection, partition); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps engine error kinds to HTTP statuses.
func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errdefs.IsValidation(err):
		status = http.StatusBadRequest
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
	case errdefs.IsConflict(err):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
