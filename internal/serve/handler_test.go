package serve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/GaspardMerten/motion-lake-server/internal/catalog"
	"github.com/GaspardMerten/motion-lake-server/internal/config"
	"github.com/GaspardMerten/motion-lake-server/internal/engine"
	"github.com/GaspardMerten/motion-lake-server/internal/object"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	store, err := object.NewFSStore(config.FileSystemConfig{Root: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	eng := engine.New(engine.Config{
		Catalog:      cat,
		Store:        store,
		Backend:      config.BackendFileSystem,
		Compression:  config.CompressionConfig{Codec: "gzip", Level: 9},
		QueryWorkers: 2,
		Logger:       zap.NewNop(),
	})

	h := &handler{engine: eng, logger: zap.NewNop()}
	srv := httptest.NewServer(h.routes())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func ingestBody(startMs, endMs int64, n int) map[string]interface{} {
	records := make([]map[string]interface{}, n)
	for i := 0; i < n; i++ {
		records[i] = map[string]interface{}{
			"id":           fmt.Sprintf("veh-%03d", i),
			"timestamp_ms": startMs + int64(i),
			"payload":      []byte(fmt.Sprintf(`{"seq":%d}`, i)),
		}
	}
	return map[string]interface{}{
		"start_ms":     startMs,
		"end_ms":       endMs,
		"content_type": "json",
		"records":      records,
	}
}

func TestIngestAndQueryEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/ingest/trips", ingestBody(0, 1000, 25))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status = %d, body %s", resp.StatusCode, body)
	}
	var ingested struct {
		Partition   string `json:"partition"`
		RecordCount int64  `json:"record_count"`
	}
	if err := json.Unmarshal(body, &ingested); err != nil {
		t.Fatal(err)
	}
	if ingested.RecordCount != 25 || ingested.Partition == "" {
		t.Fatalf("unexpected ingest response %s", body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/query/trips?start=0&end=1000", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d, body %s", resp.StatusCode, body)
	}
	var records []struct {
		ID          string `json:"id"`
		TimestampMs int64  `json:"timestamp_ms"`
	}
	if err := json.Unmarshal(body, &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 25 {
		t.Fatalf("query returned %d records, want 25", len(records))
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/query/trips?start=0&end=1000&limit=5&offset=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 5 || records[0].TimestampMs != 10 {
		t.Fatalf("limit/offset window wrong: %s", body)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv := newTestServer(t)

	// Validation failure: 400.
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/ingest/trips", map[string]interface{}{
		"start_ms": 0, "end_ms": 1000, "records": []interface{}{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty batch status = %d, want 400", resp.StatusCode)
	}

	// Unknown collection: 404.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/query/ghosts?start=0&end=1000", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown collection status = %d, want 404", resp.StatusCode)
	}

	// Overlap: 409.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/ingest/trips", ingestBody(0, 1000, 5))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status = %d, body %s", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/ingest/trips", ingestBody(500, 1500, 5))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("overlap status = %d, want 409", resp.StatusCode)
	}

	// Missing query parameters: 400.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/query/trips", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing params status = %d, want 400", resp.StatusCode)
	}
}

func TestCollectionEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/collections", map[string]string{"name": "trips"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/collections", map[string]string{"name": "trips"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/ingest/trips", ingestBody(0, 1000, 10))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status = %d, body %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/collections/trips", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var info struct {
		Name        string `json:"name"`
		RecordCount int64  `json:"record_count"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatal(err)
	}
	if info.Name != "trips" || info.RecordCount != 10 {
		t.Fatalf("unexpected collection info %s", body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/collections", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var infos []json.RawMessage
	if err := json.Unmarshal(body, &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 collection, got %s", body)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/v1/collections/trips", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/collections/trips", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestTombstoneEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/ingest/trips", ingestBody(0, 1000, 5))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status = %d, body %s", resp.StatusCode, body)
	}
	var ingested struct {
		Partition string `json:"partition"`
	}
	if err := json.Unmarshal(body, &ingested); err != nil {
		t.Fatal(err)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/tombstone/trips/"+ingested.Partition, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("tombstone status = %d, want 204", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/tombstone/trips/"+ingested.Partition, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second tombstone status = %d, want 404", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/query/trips?start=0&end=1000", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d", resp.StatusCode)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("tombstoned records still served: %s", body)
	}
}
