package replication

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/roach88/roomstate/internal/metrics"
	"github.com/roach88/roomstate/internal/pdu"
	"github.com/roach88/roomstate/internal/state"
	"github.com/roach88/roomstate/internal/store"
)

// maxTransactionBytes bounds an inbound transaction body.
const maxTransactionBytes = 10 << 20

// Backfill request limits.
const (
	defaultBackfillLimit = 10
	maxBackfillLimit     = 100
)

// Datastore is the storage the federation server reads and writes.
type Datastore interface {
	GetPDU(ctx context.Context, pduID, origin string) (*pdu.PDU, error)
	WritePDU(ctx context.Context, p *pdu.PDU, outlier bool) (bool, error)
	MarkProcessed(ctx context.Context, ref pdu.Ref) error
	IsProcessed(ctx context.Context, ref pdu.Ref) (bool, error)
	RoomState(ctx context.Context, roomID string) ([]*pdu.PDU, error)
	RoomPDUs(ctx context.Context, roomID string) ([]*pdu.PDU, error)
	GetBackfill(ctx context.Context, roomID string, from []pdu.Ref, limit int) ([]*pdu.PDU, error)
	IsNew(ctx context.Context, p *pdu.PDU) (bool, error)
	HaveResponded(ctx context.Context, txnID, origin string) (*store.Response, error)
	SetResponse(ctx context.Context, txnID, origin string, code int, body []byte) error
}

// Resolver decides incoming state PDUs.
type Resolver interface {
	Evaluate(ctx context.Context, p *pdu.PDU) (state.Outcome, error)
}

// Transaction is a batch of PDUs pushed by another server.
type Transaction struct {
	Origin         string     `json:"origin" validate:"required"`
	OriginServerTS int64      `json:"origin_server_ts"`
	PDUs           []*pdu.PDU `json:"pdus" validate:"required,max=100,dive,required"`
}

// PDUResult reports what happened to one PDU of a transaction.
type PDUResult struct {
	Accepted  bool   `json:"accepted"`
	Stage     string `json:"stage,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Historic  bool   `json:"historic,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TransactionResponse is the body answering a transaction, keyed by event id.
type TransactionResponse struct {
	PDUs map[string]PDUResult `json:"pdus"`
}

// RoomStateResponse lists a room's current state.
type RoomStateResponse struct {
	RoomID string     `json:"room_id"`
	PDUs   []*pdu.PDU `json:"pdus"`
}

// HistoryResponse carries room history: a backfill page or every stored
// PDU of the room.
type HistoryResponse struct {
	RoomID string     `json:"room_id"`
	PDUs   []*pdu.PDU `json:"pdus" validate:"dive,required"`
}

// Server is the federation HTTP surface: PDU fetch for backfill, inbound
// transactions, room state listing, health and metrics.
type Server struct {
	ds       Datastore
	resolver Resolver
	metrics  *metrics.Collector
	validate *validator.Validate
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger. Default: slog.Default().
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics instruments every route and serves /metrics from c.
func WithMetrics(c *metrics.Collector) ServerOption {
	return func(s *Server) {
		s.metrics = c
	}
}

// NewServer creates a Server over ds that hands state PDUs to resolver.
func NewServer(ds Datastore, resolver Resolver, opts ...ServerOption) *Server {
	s := &Server{
		ds:       ds,
		resolver: resolver,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/healthz", s.healthz)

	r.Route("/_federation/v1", func(r chi.Router) {
		r.Get("/pdu/{origin}/{pduID}", s.getPDU)
		r.Put("/send/{txnID}", s.receiveTransaction)
		r.Get("/state/{roomID}", s.roomState)
		r.Get("/backfill/{roomID}", s.backfill)
		r.Get("/context/{roomID}", s.roomHistory)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getPDU(w http.ResponseWriter, r *http.Request) {
	origin := pathParam(r, "origin")
	pduID := pathParam(r, "pduID")

	p, err := s.ds.GetPDU(r.Context(), pduID, origin)
	if err != nil {
		s.logger.Error("get pdu failed", "pdu", pdu.EncodeEventID(pduID, origin), "error", err)
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "storage error")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "pdu not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) roomState(w http.ResponseWriter, r *http.Request) {
	roomID := pathParam(r, "roomID")

	pdus, err := s.ds.RoomState(r.Context(), roomID)
	if err != nil {
		s.logger.Error("room state failed", "room", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "storage error")
		return
	}
	if pdus == nil {
		pdus = []*pdu.PDU{}
	}
	writeJSON(w, http.StatusOK, RoomStateResponse{RoomID: roomID, PDUs: pdus})
}

// backfill answers the PDUs preceding the event ids given as repeated v
// query parameters, at most limit of them.
func (s *Server) backfill(w http.ResponseWriter, r *http.Request) {
	roomID := pathParam(r, "roomID")
	query := r.URL.Query()

	ids := query["v"]
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "M_MISSING_PARAM", "at least one v parameter is required")
		return
	}
	from := make([]pdu.Ref, 0, len(ids))
	for _, id := range ids {
		ref, err := pdu.DecodeEventID(id, "")
		if err != nil || ref.Origin == "" {
			writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "invalid event id "+strconv.Quote(id))
			return
		}
		from = append(from, ref)
	}

	limit := defaultBackfillLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "limit must be a positive integer")
			return
		}
		limit = min(n, maxBackfillLimit)
	}

	pdus, err := s.ds.GetBackfill(r.Context(), roomID, from, limit)
	if err != nil {
		s.logger.Error("backfill failed", "room", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "storage error")
		return
	}
	if pdus == nil {
		pdus = []*pdu.PDU{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{RoomID: roomID, PDUs: pdus})
}

// roomHistory answers every stored PDU of a room.
func (s *Server) roomHistory(w http.ResponseWriter, r *http.Request) {
	roomID := pathParam(r, "roomID")

	pdus, err := s.ds.RoomPDUs(r.Context(), roomID)
	if err != nil {
		s.logger.Error("room history failed", "room", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "storage error")
		return
	}
	if pdus == nil {
		pdus = []*pdu.PDU{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{RoomID: roomID, PDUs: pdus})
}

// receiveTransaction stores and resolves every PDU of an inbound
// transaction. A transaction already answered is answered again with the
// stored response and nothing is reprocessed.
func (s *Server) receiveTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txnID := pathParam(r, "txnID")

	var txn Transaction
	body := http.MaxBytesReader(w, r.Body, maxTransactionBytes)
	if err := json.NewDecoder(body).Decode(&txn); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "malformed transaction: "+err.Error())
		return
	}
	if err := s.validate.Struct(&txn); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "invalid transaction: "+err.Error())
		return
	}

	prev, err := s.ds.HaveResponded(ctx, txnID, txn.Origin)
	if err != nil {
		if errors.Is(err, store.ErrEmptyTransactionID) {
			writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
			return
		}
		s.logger.Error("transaction lookup failed", "txn", txnID, "origin", txn.Origin, "error", err)
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "storage error")
		return
	}
	if prev != nil {
		s.logger.Debug("transaction already answered", "txn", txnID, "origin", txn.Origin)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(prev.Code)
		_, _ = w.Write(prev.Body)
		return
	}

	resp := TransactionResponse{PDUs: s.Ingest(ctx, txn.PDUs)}

	encoded, err := json.Marshal(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
		return
	}
	if err := s.ds.SetResponse(ctx, txnID, txn.Origin, http.StatusOK, encoded); err != nil {
		s.logger.Error("persist transaction response failed", "txn", txnID, "origin", txn.Origin, "error", err)
	}

	s.logger.Info("transaction received",
		"txn", txnID,
		"origin", txn.Origin,
		"pdus", len(txn.PDUs),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

// Ingest processes PDUs in order and returns their results keyed by event
// id. It is the transaction path without deduplication by transaction id.
func (s *Server) Ingest(ctx context.Context, pdus []*pdu.PDU) map[string]PDUResult {
	results := make(map[string]PDUResult, len(pdus))
	for _, p := range pdus {
		results[p.Ref().EventID()] = s.processPDU(ctx, p)
	}
	return results
}

// processPDU stores one PDU, resolves it when it carries state and marks it
// processed. Resolution failures leave the PDU unprocessed so a later
// delivery retries it.
func (s *Server) processPDU(ctx context.Context, p *pdu.PDU) PDUResult {
	ref := p.Ref()

	done, err := s.ds.IsProcessed(ctx, ref)
	if err != nil {
		return PDUResult{Error: err.Error()}
	}
	if done {
		return PDUResult{Duplicate: true}
	}

	fresh, err := s.ds.IsNew(ctx, p)
	if err != nil {
		return PDUResult{Error: err.Error()}
	}
	if !fresh {
		s.logger.Debug("received historic pdu", "pdu", ref.String(), "depth", p.Depth)
	}

	if _, err := s.ds.WritePDU(ctx, p, false); err != nil {
		s.logger.Error("store pdu failed", "pdu", ref.String(), "error", err)
		return PDUResult{Error: err.Error()}
	}

	res := PDUResult{Historic: !fresh}
	if p.IsState() {
		out, err := s.resolver.Evaluate(ctx, p)
		if err != nil {
			res.Error = err.Error()
			if code, ok := state.CodeOf(err); ok {
				res.Error = string(code)
			}
			return res
		}
		res.Accepted = out.Accepted
		res.Stage = string(out.Stage)
	} else {
		res.Accepted = true
	}

	if err := s.ds.MarkProcessed(ctx, ref); err != nil {
		s.logger.Error("mark processed failed", "pdu", ref.String(), "error", err)
	}
	return res
}

// requestLogger logs every request at info level once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

// pathParam returns a decoded route parameter. chi matches against the raw
// path when the request carries escaped slashes, leaving params escaped.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

type errorBody struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, errcode, msg string) {
	writeJSON(w, code, errorBody{ErrCode: errcode, Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
