package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/engine"
)

// MarketEngine defines the engine methods the market handler requires. It is
// declared locally so the handler package can be tested against fakes.
type MarketEngine interface {
	Config() engine.Config
	CreateMarket(ctx context.Context, req engine.CreateMarketRequest) (uint64, error)
	GetMarket(id uint64) (engine.MarketView, error)
	ListMarkets(opts domain.ListOpts) []engine.MarketView
	CountMarkets() int
	GetPosition(id uint64, participant common.Address) (*domain.Position, error)
	GetProposal(id uint64) (*domain.Proposal, error)
	Price(id uint64, s domain.Side) (engine.PriceQuote, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	eng    MarketEngine
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(eng MarketEngine, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{eng: eng, logger: logHandler(logger, "market")}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketResponse `json:"markets"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// ListMarkets returns markets in id order with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	window := h.eng.Config().ChallengeWindow

	views := h.eng.ListMarkets(opts)
	out := make([]marketResponse, 0, len(views))
	for _, v := range views {
		out = append(out, newMarketResponse(v, window))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: out,
		Total:   h.eng.CountMarkets(),
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market with its effective status.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.eng.GetMarket(id)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketResponse(v, h.eng.Config().ChallengeWindow))
}

// CreateMarket opens a new market funded by the creator's balance.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	liquidity, err := parseAmount("liquidity", req.Liquidity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := parsePrice(req.TargetPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Deadline.IsZero() {
		writeError(w, http.StatusBadRequest, "deadline is required")
		return
	}

	id, err := h.eng.CreateMarket(r.Context(), engine.CreateMarketRequest{
		Creator:     common.HexToAddress(req.Creator),
		Question:    req.Question,
		Metadata:    req.Metadata,
		Category:    domain.Category(strings.ToLower(req.Category)),
		Deadline:    req.Deadline.UTC(),
		TargetAsset: req.TargetAsset,
		TargetPrice: target,
		PriceAbove:  req.PriceAbove,
		Liquidity:   liquidity,
	})
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: market created", slog.Uint64("market_id", id))

	v, err := h.eng.GetMarket(id)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMarketResponse(v, h.eng.Config().ChallengeWindow))
}

// GetPrice returns the implied probability of one side.
// GET /api/markets/{id}/price?side=yes
func (h *MarketHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw := r.URL.Query().Get("side")
	if raw == "" {
		raw = string(domain.SideYes)
	}
	side, err := domain.ParseSide(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := h.eng.Price(id, side)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetProposal returns the active proposal and its challenge deadline.
// GET /api/markets/{id}/proposal
func (h *MarketHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.eng.GetProposal(id)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newProposalResponse(p, h.eng.Config().ChallengeWindow))
}

// GetPosition returns a participant's holdings in a market.
// GET /api/markets/{id}/positions/{address}
func (h *MarketHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.eng.GetPosition(id, addr)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionResponse(p))
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("handler", handler))
}
