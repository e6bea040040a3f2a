package handler

import (
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/server/middleware"
)

// auditTrail records committed admin actions. A nil store disables it.
type auditTrail struct {
	store  domain.AuditStore
	logger *slog.Logger
}

// record writes one entry. The action has already been committed, so a
// failed write is logged and the request still succeeds.
func (a auditTrail) record(r *http.Request, event string, actor common.Address, marketID uint64, detail map[string]any) {
	if a.store == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	if id := middleware.RequestID(r.Context()); id != "" {
		detail["request_id"] = id
	}
	err := a.store.Log(r.Context(), domain.AuditEntry{
		Event:    event,
		Actor:    actor.Hex(),
		MarketID: marketID,
		Detail:   detail,
	})
	if err != nil {
		a.logger.ErrorContext(r.Context(), "handler: audit write failed",
			slog.String("event", event),
			slog.Uint64("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}
