package handler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/engine"
	"github.com/alanyoungcy/oraclemarket/internal/server/middleware"
)

// AdminEngine defines the operator methods of the admin handler.
type AdminEngine interface {
	SweepTreasury(ctx context.Context, caller common.Address) (*big.Int, error)
	Audit(ctx context.Context) engine.AuditReport
}

// AdminHandler serves treasury sweeps, the conservation audit and the audit
// trail.
type AdminHandler struct {
	eng    AdminEngine
	audit  auditTrail
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler. audit may be nil, which disables
// the trail and its endpoint.
func NewAdminHandler(eng AdminEngine, audit domain.AuditStore, logger *slog.Logger) *AdminHandler {
	logger = logHandler(logger, "admin")
	return &AdminHandler{eng: eng, audit: auditTrail{store: audit, logger: logger}, logger: logger}
}

// SweepTreasury moves collected fees to the treasury address.
// POST /api/admin/treasury/sweep
func (h *AdminHandler) SweepTreasury(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	amount, err := h.eng.SweepTreasury(r.Context(), caller)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: treasury swept", slog.String("amount", units(amount)))
	h.audit.record(r, domain.AuditTreasurySwept, caller, 0, map[string]any{"amount": units(amount)})
	writeJSON(w, http.StatusOK, map[string]string{"swept": units(amount)})
}

// Audit reports whether every unit of collateral is accounted for. An
// unbalanced report is served with 500 so monitors alert on it.
// GET /api/admin/audit
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	report := h.eng.Audit(r.Context())
	status := http.StatusOK
	if !report.Balanced() {
		status = http.StatusInternalServerError
		h.logger.ErrorContext(r.Context(), "handler: audit found violations",
			slog.Any("violations", report.Violations),
		)
	}
	writeJSON(w, status, newAuditResponse(report))
}

// AuditLog lists recorded admin actions and background jobs, newest first.
// Filters: event (prefix), market_id, since, until (RFC 3339), limit, offset.
// GET /api/admin/audit-log
func (h *AdminHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	if h.audit.store == nil {
		writeError(w, http.StatusNotFound, "audit trail is not configured")
		return
	}
	q, err := parseAuditQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.store.List(r.Context(), q)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit log", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "limit": q.Limit, "offset": q.Offset})
}

func parseAuditQuery(r *http.Request) (domain.AuditQuery, error) {
	opts := parseListOpts(r)
	values := r.URL.Query()
	q := domain.AuditQuery{
		EventPrefix: values.Get("event"),
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	}
	if v := values.Get("market_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid market_id %q", v)
		}
		q.MarketID = id
	}
	for _, f := range []struct {
		name string
		dst  **time.Time
	}{{"since", &q.Since}, {"until", &q.Until}} {
		v := values.Get(f.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("invalid %s %q: want RFC 3339", f.name, v)
		}
		*f.dst = &t
	}
	return q, nil
}
