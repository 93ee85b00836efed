package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"

	"github.com/roach88/roomstate/internal/pdu"
)

// ErrNotFound is returned when the destination does not hold the PDU.
var ErrNotFound = errors.New("replication: pdu not found")

// ErrMismatch is returned when the destination answers with a different PDU
// than the one requested.
var ErrMismatch = errors.New("replication: response does not match request")

// maxResponseBytes bounds a fetched response body.
const maxResponseBytes = 8 << 20

// PDUWriter stores fetched PDUs.
type PDUWriter interface {
	WritePDU(ctx context.Context, p *pdu.PDU, outlier bool) (bool, error)
}

// StatusError is a non-success HTTP response from a destination.
type StatusError struct {
	Destination string
	Code        int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("replication: %s answered %d %s", e.Destination, e.Code, http.StatusText(e.Code))
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// BreakerSettings tunes the per-destination circuit breaker.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	MinRequests      uint32
	FailureThreshold float64
}

// DefaultBreakerSettings trips a destination's breaker once at least 3
// requests were seen in a 30s window and 60% of them failed.
var DefaultBreakerSettings = BreakerSettings{
	MaxRequests:      5,
	Interval:         30 * time.Second,
	Timeout:          60 * time.Second,
	MinRequests:      3,
	FailureThreshold: 0.6,
}

// Client fetches PDUs from other servers over HTTP and stores them.
//
// Every destination gets its own circuit breaker so one unreachable server
// does not block backfill from the rest. Implements state.Replicator.
// Thread-safe.
type Client struct {
	http     *http.Client
	sink     PDUWriter
	peers    map[string]string
	backoff  Backoff
	settings BreakerSettings
	onState  func(name string, from, to gobreaker.State)
	validate *validator.Validate
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
// Default: an http.Client with a 10s timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithPeers maps destination server names to base URLs. Destinations not
// in the map resolve to https://{destination}.
func WithPeers(peers map[string]string) ClientOption {
	return func(c *Client) {
		for name, base := range peers {
			c.peers[name] = strings.TrimRight(base, "/")
		}
	}
}

// WithBackoff sets the retry policy.
func WithBackoff(b Backoff) ClientOption {
	return func(c *Client) {
		c.backoff = b
	}
}

// WithBreakerSettings tunes the per-destination circuit breakers.
func WithBreakerSettings(s BreakerSettings) ClientOption {
	return func(c *Client) {
		c.settings = s
	}
}

// WithBreakerStateHook is called on every breaker transition, in addition
// to logging.
func WithBreakerStateHook(fn func(name string, from, to gobreaker.State)) ClientOption {
	return func(c *Client) {
		c.onState = fn
	}
}

// WithClientLogger sets the client's logger. Default: slog.Default().
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client that writes fetched PDUs into sink.
func NewClient(sink PDUWriter, opts ...ClientOption) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 10 * time.Second},
		sink:     sink,
		peers:    make(map[string]string),
		backoff:  DefaultBackoff,
		settings: DefaultBreakerSettings,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the URL prefix used to reach destination.
func (c *Client) BaseURL(destination string) string {
	if base, ok := c.peers[destination]; ok {
		return base
	}
	return "https://" + destination
}

// FetchPDU retrieves the PDU (origin, pduID) from destination and stores it
// with the given outlier flag.
//
// Transient failures (network errors, 429, 5xx) are retried with backoff.
// A 404 fails immediately with ErrNotFound.
func (c *Client) FetchPDU(ctx context.Context, destination, origin, pduID string, outlier bool) error {
	want := pdu.Ref{PDUID: pduID, Origin: origin}
	target := c.BaseURL(destination) + "/_federation/v1/pdu/" +
		url.PathEscape(origin) + "/" + url.PathEscape(pduID)

	var fetched pdu.PDU
	if err := c.fetch(ctx, destination, target, "pdu", &fetched); err != nil {
		return fmt.Errorf("fetch %s from %s: %w", want, destination, err)
	}

	if fetched.Ref() != want {
		return fmt.Errorf("fetch %s from %s: got %s: %w", want, destination, fetched.Ref(), ErrMismatch)
	}

	if _, err := c.sink.WritePDU(ctx, &fetched, outlier); err != nil {
		return fmt.Errorf("fetch %s from %s: store: %w", want, destination, err)
	}

	c.logger.Debug("fetched pdu",
		"destination", destination,
		"pdu", want.String(),
		"outlier", outlier,
	)
	return nil
}

// Backfill asks destination for up to limit PDUs of roomID preceding from
// and stores them as outliers. PDUs of another room are dropped. Returns
// the PDUs stored, newest first.
func (c *Client) Backfill(ctx context.Context, destination, roomID string, from []pdu.Ref, limit int) ([]*pdu.PDU, error) {
	q := url.Values{}
	for _, ref := range from {
		q.Add("v", ref.EventID())
	}
	q.Set("limit", strconv.Itoa(limit))
	target := c.BaseURL(destination) + "/_federation/v1/backfill/" + url.PathEscape(roomID) + "?" + q.Encode()

	var page HistoryResponse
	if err := c.fetch(ctx, destination, target, "backfill", &page); err != nil {
		return nil, fmt.Errorf("backfill %s from %s: %w", roomID, destination, err)
	}

	stored := make([]*pdu.PDU, 0, len(page.PDUs))
	for _, p := range page.PDUs {
		if p.RoomID != roomID {
			c.logger.Warn("dropping backfilled pdu from another room",
				"destination", destination, "room", roomID, "pdu", p.Ref().String())
			continue
		}
		if _, err := c.sink.WritePDU(ctx, p, true); err != nil {
			return stored, fmt.Errorf("backfill %s from %s: store %s: %w", roomID, destination, p.Ref(), err)
		}
		stored = append(stored, p)
	}

	c.logger.Debug("backfilled room",
		"destination", destination,
		"room", roomID,
		"pdus", len(stored),
	)
	return stored, nil
}

// fetch GETs target through destination's breaker into v, retrying
// transient failures. what names the payload in errors and logs.
func (c *Client) fetch(ctx context.Context, destination, target, what string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("fetch attempt failed",
			"destination", destination,
			"target", target,
			"retry_in", wait,
			"error", err,
		)
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := c.breaker(destination).Execute(func() (interface{}, error) {
			return nil, c.get(ctx, destination, target, what, v)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, c.backoff.options(notify)...)
	return err
}

// get performs one request and decodes the body into v. Errors that
// retrying cannot fix are marked permanent.
func (c *Client) get(ctx context.Context, destination, target, what string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return permanent(ctx.Err())
		}
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return permanent(ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		serr := &StatusError{Destination: destination, Code: resp.StatusCode}
		if serr.Temporary() {
			return serr
		}
		return permanent(serr)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := dec.Decode(v); err != nil {
		return permanent(fmt.Errorf("decode %s: %w", what, err))
	}
	if err := c.validate.Struct(v); err != nil {
		return permanent(fmt.Errorf("invalid %s: %w", what, err))
	}
	return nil
}

// breaker returns destination's circuit breaker, creating it on first use.
func (c *Client) breaker(destination string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[destination]; ok {
		return cb
	}

	s := c.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        destination,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("replication breaker state changed",
				"destination", name,
				"from", from.String(),
				"to", to.String(),
			)
			if c.onState != nil {
				c.onState(name, from, to)
			}
		},
		// A destination that answers 404 or sends a bad PDU is reachable.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var serr *StatusError
			if errors.As(err, &serr) && serr.Temporary() {
				return false
			}
			return isPermanent(err)
		},
	})
	c.breakers[destination] = cb
	return cb
}
