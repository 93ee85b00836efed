package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/roomstate/internal/pdu"
)

// ErrRemoteNotFound is returned by Remote for PDUs it does not hold.
var ErrRemoteNotFound = errors.New("remote: pdu not found")

// PDUWriter stores fetched PDUs.
type PDUWriter interface {
	WritePDU(ctx context.Context, p *pdu.PDU, outlier bool) (bool, error)
}

// FetchCall records one FetchPDU invocation.
type FetchCall struct {
	Destination string
	Ref         pdu.Ref
	Outlier     bool
}

// Remote is an in-memory stand-in for the rest of the federation. It holds
// PDUs other servers would serve and writes them into a local store on fetch.
//
// Implements state.Replicator. Thread-safe.
type Remote struct {
	mu    sync.Mutex
	sink  PDUWriter
	pdus  map[pdu.Ref]*pdu.PDU
	fail  map[string]error
	calls []FetchCall

	// Drop, when set, makes fetches succeed without storing anything.
	Drop bool
}

// NewRemote creates a Remote that stores fetched PDUs in sink.
func NewRemote(sink PDUWriter) *Remote {
	return &Remote{
		sink: sink,
		pdus: make(map[pdu.Ref]*pdu.PDU),
		fail: make(map[string]error),
	}
}

// Serve makes the PDUs available to fetches.
func (r *Remote) Serve(pdus ...*pdu.PDU) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pdus {
		r.pdus[p.Ref()] = p
	}
}

// FailDestination makes every fetch from destination return err.
func (r *Remote) FailDestination(destination string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[destination] = err
}

// Calls returns the fetches made so far, in order.
func (r *Remote) Calls() []FetchCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FetchCall(nil), r.calls...)
}

// FetchPDU serves one PDU from memory into the sink.
func (r *Remote) FetchPDU(ctx context.Context, destination, origin, pduID string, outlier bool) error {
	ref := pdu.Ref{PDUID: pduID, Origin: origin}

	r.mu.Lock()
	r.calls = append(r.calls, FetchCall{Destination: destination, Ref: ref, Outlier: outlier})
	failErr := r.fail[destination]
	p, ok := r.pdus[ref]
	drop := r.Drop
	r.mu.Unlock()

	if failErr != nil {
		return failErr
	}
	if !ok {
		return fmt.Errorf("fetch %s from %s: %w", ref, destination, ErrRemoteNotFound)
	}
	if drop {
		return nil
	}

	if _, err := r.sink.WritePDU(ctx, p, outlier); err != nil {
		return fmt.Errorf("fetch %s from %s: %w", ref, destination, err)
	}
	return nil
}
