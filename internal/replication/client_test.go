package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomstate/internal/pdu"
	"github.com/roach88/roomstate/internal/testutil"
)

func newTestClient(t *testing.T, peers map[string]string, opts ...ClientOption) (*Client, *recordingSink) {
	t.Helper()
	sink := &recordingSink{store: setupTestStore(t)}
	opts = append([]ClientOption{
		WithPeers(peers),
		WithBackoff(fastBackoff),
		WithClientLogger(discardLogger()),
	}, opts...)
	return NewClient(sink, opts...), sink
}

// recordingSink is a store that remembers the outlier flag of each write.
type recordingSink struct {
	store interface {
		WritePDU(ctx context.Context, p *pdu.PDU, outlier bool) (bool, error)
		GetPDU(ctx context.Context, pduID, origin string) (*pdu.PDU, error)
	}

	mu      sync.Mutex
	outlier []bool
}

func (s *recordingSink) WritePDU(ctx context.Context, p *pdu.PDU, outlier bool) (bool, error) {
	s.mu.Lock()
	s.outlier = append(s.outlier, outlier)
	s.mu.Unlock()
	return s.store.WritePDU(ctx, p, outlier)
}

func TestClient_BaseURL(t *testing.T) {
	c := NewClient(nil, WithPeers(map[string]string{"b.example": "http://127.0.0.1:8448/"}))
	assert.Equal(t, "http://127.0.0.1:8448", c.BaseURL("b.example"))
	assert.Equal(t, "https://c.example", c.BaseURL("c.example"))
}

func TestClient_FetchPDU(t *testing.T) {
	root := testutil.StatePDU("root", "b.example", testutil.By("@bob:b.example", 50))
	remote := remoteServer(t, root)

	c, sink := newTestClient(t, map[string]string{"b.example": remote.URL})
	require.NoError(t, c.FetchPDU(context.Background(), "b.example", "b.example", "root", true))

	got, err := sink.store.GetPDU(context.Background(), "root", "b.example")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Outlier)
	assert.Equal(t, root.Content, got.Content)
	assert.Equal(t, "@bob:b.example", got.UserID)
	assert.Equal(t, []bool{true}, sink.outlier)
}

func TestClient_FetchPDU_EscapesPath(t *testing.T) {
	p := testutil.StatePDU("a/b c", "b.example")
	remote := remoteServer(t, p)

	c, sink := newTestClient(t, map[string]string{"b.example": remote.URL})
	require.NoError(t, c.FetchPDU(context.Background(), "b.example", "b.example", "a/b c", false))

	got, err := sink.store.GetPDU(context.Background(), "a/b c", "b.example")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Outlier)
}

func TestClient_FetchPDU_NotFound(t *testing.T) {
	h := &countingHandler{handle: func(w http.ResponseWriter, _ *http.Request, _ int) {
		http.NotFound(w, nil)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, _ := newTestClient(t, map[string]string{"b.example": srv.URL})
	err := c.FetchPDU(context.Background(), "b.example", "b.example", "gone", true)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, h.count(), "404 is not retried")
}

func TestClient_FetchPDU_RetriesTransientFailures(t *testing.T) {
	p := testutil.StatePDU("x", "b.example")
	h := &countingHandler{handle: func(w http.ResponseWriter, _ *http.Request, n int) {
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		serveJSON(w, p)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, sink := newTestClient(t, map[string]string{"b.example": srv.URL})
	require.NoError(t, c.FetchPDU(context.Background(), "b.example", "b.example", "x", true))
	assert.Equal(t, 3, h.count())

	got, err := sink.store.GetPDU(context.Background(), "x", "b.example")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestClient_FetchPDU_GivesUpAfterMaxAttempts(t *testing.T) {
	h := &countingHandler{handle: func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.WriteHeader(http.StatusBadGateway)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, _ := newTestClient(t, map[string]string{"b.example": srv.URL},
		WithBreakerSettings(BreakerSettings{MinRequests: 100, FailureThreshold: 1}))
	err := c.FetchPDU(context.Background(), "b.example", "b.example", "x", true)

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadGateway, serr.Code)
	assert.Equal(t, fastBackoff.MaxAttempts, h.count())
}

func TestClient_FetchPDU_PermanentClientError(t *testing.T) {
	h := &countingHandler{handle: func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.WriteHeader(http.StatusForbidden)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, _ := newTestClient(t, map[string]string{"b.example": srv.URL})
	err := c.FetchPDU(context.Background(), "b.example", "b.example", "x", true)

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.False(t, serr.Temporary())
	assert.Equal(t, 1, h.count())
}

func TestClient_FetchPDU_Mismatch(t *testing.T) {
	other := testutil.StatePDU("other", "b.example")
	h := &countingHandler{handle: func(w http.ResponseWriter, _ *http.Request, _ int) {
		serveJSON(w, other)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, sink := newTestClient(t, map[string]string{"b.example": srv.URL})
	err := c.FetchPDU(context.Background(), "b.example", "b.example", "x", true)
	assert.ErrorIs(t, err, ErrMismatch)
	assert.Empty(t, sink.outlier, "mismatched PDU is not stored")
}

func TestClient_FetchPDU_InvalidPDU(t *testing.T) {
	h := &countingHandler{handle: func(w http.ResponseWriter, _ *http.Request, _ int) {
		// No context (room id).
		serveJSON(w, map[string]any{"pdu_id": "x", "origin": "b.example", "pdu_type": "name"})
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, sink := newTestClient(t, map[string]string{"b.example": srv.URL})
	err := c.FetchPDU(context.Background(), "b.example", "b.example", "x", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pdu")
	assert.Equal(t, 1, h.count())
	assert.Empty(t, sink.outlier)
}

func TestClient_BreakerOpensPerDestination(t *testing.T) {
	h := &countingHandler{handle: func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.WriteHeader(http.StatusInternalServerError)
	}}
	failing := httptest.NewServer(h)
	defer failing.Close()

	healthy := remoteServer(t, testutil.StatePDU("x", "c.example"))

	var (
		mu          sync.Mutex
		transitions []gobreaker.State
	)
	c, _ := newTestClient(t,
		map[string]string{"b.example": failing.URL, "c.example": healthy.URL},
		WithBackoff(Backoff{MinWait: time.Millisecond, MaxAttempts: 1}),
		WithBreakerSettings(BreakerSettings{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          time.Minute,
			MinRequests:      2,
			FailureThreshold: 0.5,
		}),
		WithBreakerStateHook(func(name string, _, to gobreaker.State) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "b.example", name)
			transitions = append(transitions, to)
		}),
	)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := c.FetchPDU(ctx, "b.example", "b.example", "x", true)
		var serr *StatusError
		require.ErrorAs(t, err, &serr)
	}

	err := c.FetchPDU(ctx, "b.example", "b.example", "x", true)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, h.count(), "open breaker short-circuits the request")

	mu.Lock()
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
	mu.Unlock()

	require.NoError(t, c.FetchPDU(ctx, "c.example", "c.example", "x", true))
}

func TestClient_Backfill(t *testing.T) {
	root := testutil.StatePDU("root", "b.example")
	a := testutil.StatePDU("a", "b.example", testutil.After(root))
	tip := testutil.StatePDU("tip", "b.example", testutil.After(a))
	remote := remoteServer(t, root, a, tip)

	c, sink := newTestClient(t, map[string]string{"b.example": remote.URL})
	got, err := c.Backfill(context.Background(), "b.example", "room-1", []pdu.Ref{tip.Ref()}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.Ref(), got[0].Ref())
	assert.Equal(t, root.Ref(), got[1].Ref())
	assert.Equal(t, []bool{true, true}, sink.outlier)

	stored, err := sink.store.GetPDU(context.Background(), "root", "b.example")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Outlier)
}

func TestClient_Backfill_DropsOtherRooms(t *testing.T) {
	h := &countingHandler{handle: func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HistoryResponse{
			RoomID: "room-1",
			PDUs:   []*pdu.PDU{testutil.StatePDU("x", "b.example", testutil.InRoom("room-2"))},
		})
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, sink := newTestClient(t, map[string]string{"b.example": srv.URL})
	got, err := c.Backfill(context.Background(), "b.example", "room-1", []pdu.Ref{{PDUID: "tip", Origin: "b.example"}}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, sink.outlier)
}
