package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/roomstate/internal/pdu"
	"github.com/roach88/roomstate/internal/store"
)

// fastBackoff keeps retry tests quick.
var fastBackoff = Backoff{
	MinWait:     time.Millisecond,
	MaxWait:     5 * time.Millisecond,
	MaxAttempts: 4,
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir()+"/test.db", store.WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeAll(t *testing.T, s *store.Store, pdus ...*pdu.PDU) {
	t.Helper()
	for _, p := range pdus {
		_, err := s.WritePDU(context.Background(), p, false)
		require.NoError(t, err)
	}
}

// remoteServer serves the given PDUs over the federation API.
func remoteServer(t *testing.T, pdus ...*pdu.PDU) *httptest.Server {
	t.Helper()
	s := setupTestStore(t)
	writeAll(t, s, pdus...)
	srv := httptest.NewServer(NewServer(s, nil, WithServerLogger(discardLogger())).Handler())
	t.Cleanup(srv.Close)
	return srv
}

// countingHandler answers with handle and counts requests.
type countingHandler struct {
	handle func(w http.ResponseWriter, r *http.Request, n int)
	n      atomic.Int32
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, int(h.n.Add(1)))
}

func (h *countingHandler) count() int {
	return int(h.n.Load())
}

func serveJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func putTransaction(t *testing.T, h http.Handler, txnID string, txn Transaction) (*httptest.ResponseRecorder, TransactionResponse) {
	t.Helper()
	body, err := json.Marshal(txn)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/_federation/v1/send/"+txnID, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp TransactionResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}
