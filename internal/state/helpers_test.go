package state

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/roomstate/internal/pdu"
	"github.com/roach88/roomstate/internal/store"
	"github.com/roach88/roomstate/internal/testutil"
)

const localServer = "local.example"

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store    *store.Store
	remote   *testutil.Remote
	observer *recordingObserver
	engine   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s := setupTestStore(t)
	f := &fixture{
		store:    s,
		remote:   testutil.NewRemote(s),
		observer: &recordingObserver{},
	}
	opts = append([]Option{WithLogger(discardLogger()), WithObserver(f.observer)}, opts...)
	f.engine = New(s, f.remote, localServer, opts...)
	return f
}

// write stores PDUs as non-outliers.
func (f *fixture) write(t *testing.T, pdus ...*pdu.PDU) {
	t.Helper()
	for _, p := range pdus {
		_, err := f.store.WritePDU(context.Background(), p, false)
		require.NoError(t, err)
	}
}

// point makes p its slot's current value without resolution.
func (f *fixture) point(t *testing.T, p *pdu.PDU) {
	t.Helper()
	require.NoError(t, f.store.UpdateCurrentState(context.Background(), p.Ref(), p.Slot()))
}

func (f *fixture) current(t *testing.T, slot pdu.SlotKey) pdu.Ref {
	t.Helper()
	ref, ok, err := f.store.CurrentRef(context.Background(), slot)
	require.NoError(t, err)
	require.True(t, ok, "slot %s has no current value", slot)
	return ref
}

type recordingObserver struct {
	mu         sync.Mutex
	resolved   []Outcome
	failed     []error
	backfilled []pdu.Ref
}

func (o *recordingObserver) Resolved(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved = append(o.resolved, out)
}

func (o *recordingObserver) Failed(_ pdu.SlotKey, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *recordingObserver) Backfilled(_ string, ref pdu.Ref, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backfilled = append(o.backfilled, ref)
}

// lyingStore returns a fixed tree regardless of what is stored.
type lyingStore struct {
	*store.Store
	tree pdu.StateTree
}

func (s *lyingStore) GetUnresolvedStateTree(context.Context, *pdu.PDU) (pdu.StateTree, error) {
	return s.tree, nil
}

// trackingStore records how many tree fetches run at once per slot.
type trackingStore struct {
	*store.Store

	mu       sync.Mutex
	inFlight map[pdu.SlotKey]int
	maxSeen  int
}

func (s *trackingStore) GetUnresolvedStateTree(ctx context.Context, p *pdu.PDU) (pdu.StateTree, error) {
	s.mu.Lock()
	s.inFlight[p.Slot()]++
	s.maxSeen = max(s.maxSeen, s.inFlight[p.Slot()])
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight[p.Slot()]--
		s.mu.Unlock()
	}()

	// Widen the window in which an unserialized caller would overlap.
	time.Sleep(time.Millisecond)
	return s.Store.GetUnresolvedStateTree(ctx, p)
}

// failingWriteStore fails every PDU write.
type failingWriteStore struct {
	*store.Store
	err error
}

func (s *failingWriteStore) WritePDU(context.Context, *pdu.PDU, bool) (bool, error) {
	return false, s.err
}

// pausingStore holds its first tree fetch until resume is closed.
type pausingStore struct {
	*store.Store
	once    sync.Once
	fetched chan struct{}
	resume  chan struct{}
}

func (s *pausingStore) GetUnresolvedStateTree(ctx context.Context, p *pdu.PDU) (pdu.StateTree, error) {
	tree, err := s.Store.GetUnresolvedStateTree(ctx, p)
	s.once.Do(func() {
		close(s.fetched)
		<-s.resume
	})
	return tree, err
}

// racingStore loses every pointer swap, as if another writer always got
// there first.
type racingStore struct {
	*store.Store
	swaps int
}

func (s *racingStore) SwapCurrentState(context.Context, pdu.SlotKey, pdu.Ref, pdu.Ref) (bool, error) {
	s.swaps++
	return false, nil
}
