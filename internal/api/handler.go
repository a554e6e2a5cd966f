// Package api provides the HTTP API for Kestrel.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/chain"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

const (
	maxBodyBytes     = 4 << 20
	maxBatchSize     = 1000
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Pinger is a dependency whose health is reported by /health and /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components the handlers serve. Decoder and Checks
// may be nil.
type Dependencies struct {
	Pipeline *pipeline.Pipeline
	Ledger   *audit.Ledger
	Policies *policy.Store
	History  *history.Service
	Decoder  *chain.Decoder
	Models   *scoring.Registry
	Checks   map[string]Pinger
	Version  string
}

// Handler contains HTTP handlers for the API.
type Handler struct {
	deps Dependencies
}

// NewHandler creates a new handler with dependencies.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{deps: deps}
}

// ScoreResponse is the response body for a scored transaction.
type ScoreResponse struct {
	Sequence uint64               `json:"sequence"`
	Decision *domain.Decision     `json:"decision"`
	Score    domain.RiskScore     `json:"score"`
	Features domain.FeatureVector `json:"features"`
	Metadata struct {
		TraceID string  `json:"traceId"`
		TotalMs float64 `json:"totalMs"`
		Version string  `json:"version"`
	} `json:"metadata"`
}

// BatchRequest is the request body for POST /score/batch.
type BatchRequest struct {
	Transactions []domain.TransactionRequest `json:"transactions"`
}

// BatchResult is one element of a batch response. Exactly one of Decision
// and Error is set.
type BatchResult struct {
	TxID      string           `json:"txId"`
	Sequence  uint64           `json:"sequence,omitempty"`
	Decision  *domain.Decision `json:"decision,omitempty"`
	Error     string           `json:"error,omitempty"`
	Kind      string           `json:"kind,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}

// RawScoreRequest is the request body for POST /score/raw.
type RawScoreRequest struct {
	RawTx     string          `json:"rawTx"`
	PrevOuts  []chain.PrevOut `json:"prevOuts"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// CounterpartiesRequest is the request body for PUT /counterparties/{chain}.
type CounterpartiesRequest struct {
	Risk map[string]float64 `json:"risk"`
}

// Score handles POST /score.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req domain.TransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	h.score(w, r, req.ToTransaction(), start)
}

// ScoreRaw handles POST /score/raw: a serialized Bitcoin transaction plus the
// outputs it spends.
func (h *Handler) ScoreRaw(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if h.deps.Decoder == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "raw transaction decoding not configured",
		})
		return
	}

	var req RawScoreRequest
	if !decodeBody(w, r, &req) {
		return
	}

	fetcher, err := h.deps.Decoder.Fetcher(req.PrevOuts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}

	tx, err := h.deps.Decoder.Decode(req.RawTx, fetcher, ts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.score(w, r, tx, start)
}

func (h *Handler) score(w http.ResponseWriter, r *http.Request, tx *domain.Transaction, start time.Time) {
	res, err := h.deps.Pipeline.Score(r.Context(), tx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := ScoreResponse{
		Sequence: res.Sequence,
		Decision: res.Decision,
		Score:    res.Score,
		Features: res.Features,
	}
	resp.Metadata.TraceID = GetTraceID(r.Context())
	resp.Metadata.TotalMs = float64(time.Since(start).Microseconds()) / 1000.0
	resp.Metadata.Version = h.deps.Version

	writeJSON(w, http.StatusOK, resp)
}

// ScoreBatch handles POST /score/batch. Items succeed or fail independently,
// so the response is 200 whenever the batch itself is well formed.
func (h *Handler) ScoreBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transactions are required",
		})
		return
	}
	if len(req.Transactions) > maxBatchSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("batch exceeds %d transactions", maxBatchSize),
		})
		return
	}

	txs := make([]*domain.Transaction, len(req.Transactions))
	for i := range req.Transactions {
		txs[i] = req.Transactions[i].ToTransaction()
	}

	items := h.deps.Pipeline.ScoreBatch(r.Context(), txs)

	results := make([]BatchResult, len(items))
	var failed int
	for i, item := range items {
		results[i].TxID = txs[i].ID
		if item.Err != nil {
			failed++
			results[i].Error = item.Err.Error()
			results[i].Kind = domain.ErrorKind(item.Err)
			results[i].Retryable = domain.IsRetryable(item.Err)
			continue
		}
		results[i].Sequence = item.Result.Sequence
		results[i].Decision = item.Result.Decision
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
		"failed":  failed,
	})
}

// ListAudit handles GET /audit?from=&to=&limit=.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := parseUint(q.Get("from"), 1)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid from: " + err.Error()})
		return
	}
	to, err := parseUint(q.Get("to"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid to: " + err.Error()})
		return
	}
	limit, err := parseUint(q.Get("limit"), defaultPageLimit)
	if err != nil || limit == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		return
	}
	limit = min(limit, maxPageLimit)

	entries := make([]*domain.AuditEntry, 0, limit)
	var next uint64
	for entry, err := range h.deps.Ledger.ReadRange(r.Context(), from, to) {
		if err != nil {
			writeError(w, r, err)
			return
		}
		if uint64(len(entries)) == limit {
			next = entry.Sequence
			break
		}
		entries = append(entries, entry)
	}

	resp := map[string]any{
		"entries": entries,
		"count":   len(entries),
		"head":    h.deps.Ledger.Head(),
	}
	if next != 0 {
		resp["next"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAudit handles GET /audit/{seq}.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	seq, ok := sequenceParam(w, r)
	if !ok {
		return
	}

	entry, err := h.deps.Ledger.Get(r.Context(), seq)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// AuditByTx handles GET /audit/tx/{txId}. A rescored transaction has one
// entry per run, oldest first.
func (h *Handler) AuditByTx(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	entries, err := h.deps.Ledger.ByTxID(r.Context(), txID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no audit entries for transaction",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// ReplayAudit handles POST /audit/{seq}/replay.
func (h *Handler) ReplayAudit(w http.ResponseWriter, r *http.Request) {
	seq, ok := sequenceParam(w, r)
	if !ok {
		return
	}

	res, err := h.deps.Pipeline.Replay(r.Context(), seq)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// GetPolicy handles GET /policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Policies.Current()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no policy loaded",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policy":      snap.Policy,
		"activeRules": snap.Rules.IDs(),
	})
}

// PutPolicy handles PUT /policy. The body is JSON, or YAML when the content
// type says so. A rejected policy leaves the live one in place.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	var p *domain.Policy

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
			return
		}
		if p, err = policy.Parse(body); err != nil {
			writeError(w, r, err)
			return
		}
	default:
		p = &domain.Policy{}
		if !decodeBody(w, r, p) {
			return
		}
	}

	snap, err := h.deps.Policies.Apply(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "policy applied",
		"version":     snap.Policy.Version,
		"activeRules": snap.Rules.IDs(),
	})
}

// ReloadPolicy handles POST /policy/reload from the configured file.
func (h *Handler) ReloadPolicy(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Policies.Reload(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "policy reloaded",
		"version":     snap.Policy.Version,
		"activeRules": snap.Rules.IDs(),
	})
}

// ListModels handles GET /models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	versions := h.deps.Models.Versions()

	var active string
	if snap := h.deps.Policies.Current(); snap != nil {
		active = snap.Policy.ModelVersion
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models": versions,
		"active": active,
	})
}

// GetCounterparties handles GET /counterparties/{chain}.
func (h *Handler) GetCounterparties(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chain")

	table := h.deps.History.Table(chainID)
	if table == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no counterparty table for chain",
		})
		return
	}

	writeJSON(w, http.StatusOK, table)
}

// PutCounterparties handles PUT /counterparties/{chain}, replacing the whole table.
func (h *Handler) PutCounterparties(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chain")

	var req CounterpartiesRequest
	if !decodeBody(w, r, &req) {
		return
	}

	table, err := h.deps.History.LoadCounterparties(r.Context(), chainID, req.Risk)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chainId":   table.ChainID,
		"version":   table.Version,
		"addresses": len(table.Risk),
	})
}

// PutCounterpartyRisk handles PUT /counterparties/{chain}/{address}.
func (h *Handler) PutCounterpartyRisk(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chain")
	address := chi.URLParam(r, "address")

	var req struct {
		Risk float64 `json:"risk"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.deps.History.SetCounterpartyRisk(r.Context(), chainID, address, req.Risk); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chainId": chainID,
		"version": h.deps.History.Table(chainID).Version,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := make(map[string]string, len(h.deps.Checks))

	for name, c := range h.deps.Checks {
		if err := c.Ping(r.Context()); err != nil {
			slog.Warn("health check failed", "component", name, "error", err)
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.deps.Version,
		"checks":  checks,
	})
}

// Ready reports whether the server can score: a policy is live and the
// ledger is reachable and still accepting appends.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Policies.Current() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": "no policy loaded",
		})
		return
	}
	if err := h.deps.Ledger.Ping(r.Context()); err != nil {
		msg := "ledger unavailable"
		if domain.IsFatal(err) {
			msg = "ledger writer stopped"
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": msg,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// statusFor maps pipeline errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction),
		errors.Is(err, domain.ErrInvalidPolicy),
		errors.Is(err, domain.ErrInvalidCounterparty):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientData),
		errors.Is(err, domain.ErrUnknownModelVersion),
		errors.Is(err, domain.ErrRuleEvaluation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrScoringTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSequenceConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
	}

	writeJSON(w, status, map[string]any{
		"error":     err.Error(),
		"kind":      domain.ErrorKind(err),
		"retryable": domain.IsRetryable(err),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeBody reads a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

func sequenceParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "sequence must be a positive integer",
		})
		return 0, false
	}
	return seq, true
}

func parseUint(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
