package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/engine"
	"github.com/alanyoungcy/oraclemarket/internal/server/middleware"
)

// ResolutionEngine defines the oracle and settlement methods the resolution
// handler requires.
type ResolutionEngine interface {
	Config() engine.Config
	GetProposal(id uint64) (*domain.Proposal, error)
	ProposeOutcome(ctx context.Context, req engine.ProposeRequest) error
	ChallengeOutcome(ctx context.Context, id uint64, challenger common.Address, price *decimal.Decimal) error
	Adjudicate(ctx context.Context, caller common.Address, id uint64, outcome domain.Outcome) error
	FinalizeResolution(ctx context.Context, id uint64) (engine.FinalizeResult, error)
	ClaimWinnings(ctx context.Context, id uint64, participant common.Address) (*big.Int, error)
	VoidMarket(ctx context.Context, caller common.Address, id uint64) error
}

// ResolutionHandler serves the propose/challenge/finalize protocol, claims,
// and the administrator's void and adjudicate actions.
type ResolutionHandler struct {
	eng    ResolutionEngine
	audit  auditTrail
	logger *slog.Logger
}

// NewResolutionHandler creates a ResolutionHandler. Admin actions are written
// to audit when it is non-nil.
func NewResolutionHandler(eng ResolutionEngine, audit domain.AuditStore, logger *slog.Logger) *ResolutionHandler {
	logger = logHandler(logger, "resolution")
	return &ResolutionHandler{eng: eng, audit: auditTrail{store: audit, logger: logger}, logger: logger}
}

// Propose escrows the proposal bond and claims an outcome. Crypto markets may
// send a price instead of an outcome.
// POST /api/markets/{id}/propose
func (h *ResolutionHandler) Propose(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req proposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Outcome == "" && price == nil {
		writeError(w, http.StatusBadRequest, "outcome or price is required")
		return
	}
	var outcome domain.Outcome
	if req.Outcome != "" {
		outcome, _ = domain.ParseOutcome(req.Outcome)
	}

	err = h.eng.ProposeOutcome(r.Context(), engine.ProposeRequest{
		MarketID: id,
		Proposer: common.HexToAddress(req.Participant),
		Outcome:  outcome,
		Price:    price,
	})
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	h.writeProposal(w, r, id, http.StatusCreated)
}

// Challenge escrows the challenge bond against the active proposal.
// POST /api/markets/{id}/challenge
func (h *ResolutionHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req challengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.eng.ChallengeOutcome(r.Context(), id, common.HexToAddress(req.Participant), price); err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	h.writeProposal(w, r, id, http.StatusOK)
}

func (h *ResolutionHandler) writeProposal(w http.ResponseWriter, r *http.Request, id uint64, status int) {
	p, err := h.eng.GetProposal(id)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, status, newProposalResponse(p, h.eng.Config().ChallengeWindow))
}

// Finalize settles an elapsed or disputed proposal. Anyone may call it.
// POST /api/markets/{id}/finalize
func (h *ResolutionHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.eng.FinalizeResolution(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	out := finalizeResponse{
		MarketID:      id,
		Status:        res.Status,
		Outcome:       res.Outcome,
		Reward:        optionalUnits(res.Reward),
		ResolvedPrice: res.ResolvedPrice,
	}
	if res.Winner != (common.Address{}) {
		out.Winner = res.Winner.Hex()
	}
	writeJSON(w, http.StatusOK, out)
}

// Claim pays out a participant's winning shares, or their refund on a voided
// market.
// POST /api/markets/{id}/claim
func (h *ResolutionHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req participantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr := common.HexToAddress(req.Participant)
	payout, err := h.eng.ClaimWinnings(r.Context(), id, addr)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":   id,
		"participant": addr.Hex(),
		"payout":      units(payout),
	})
}

// Void cancels a market and refunds everyone. Admin only.
// POST /api/markets/{id}/void
func (h *ResolutionHandler) Void(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, _ := middleware.CallerFrom(r.Context())
	if err := h.eng.VoidMarket(r.Context(), caller, id); err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	h.logger.WarnContext(r.Context(), "handler: market voided by admin",
		slog.Uint64("market_id", id),
		slog.String("caller", caller.Hex()),
	)
	h.audit.record(r, domain.AuditMarketVoided, caller, id, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"status":    domain.MarketStatusVoided,
	})
}

// Adjudicate rules on a disputed proposal. Admin only.
// POST /api/markets/{id}/adjudicate
func (h *ResolutionHandler) Adjudicate(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req adjudicateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, _ := domain.ParseOutcome(req.Outcome)
	caller, _ := middleware.CallerFrom(r.Context())
	if err := h.eng.Adjudicate(r.Context(), caller, id, outcome); err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	h.audit.record(r, domain.AuditDisputeAdjudicated, caller, id, map[string]any{"outcome": string(outcome)})
	h.writeProposal(w, r, id, http.StatusOK)
}
