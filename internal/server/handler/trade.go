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
)

// TradeEngine defines the AMM methods the trade handler requires.
type TradeEngine interface {
	Buy(ctx context.Context, id uint64, participant common.Address, side domain.Side, amount *big.Int) (engine.BuyResult, error)
	Sell(ctx context.Context, id uint64, participant common.Address, side domain.Side, shares *big.Int) (engine.SellResult, error)
}

// TradeHandler serves buys and sells against a market's pool.
type TradeHandler struct {
	eng    TradeEngine
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(eng TradeEngine, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{eng: eng, logger: logHandler(logger, "trade")}
}

type tradeResponse struct {
	MarketID uint64          `json:"market_id"`
	Side     domain.Side     `json:"side"`
	Shares   string          `json:"shares"`
	Amount   string          `json:"amount"`
	Fee      string          `json:"fee,omitempty"`
	Price    decimal.Decimal `json:"price"`
}

// Buy spends collateral for outcome shares.
// POST /api/markets/{id}/buy
func (h *TradeHandler) Buy(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req buyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, _ := domain.ParseSide(req.Side)
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.eng.Buy(r.Context(), id, common.HexToAddress(req.Participant), side, amount)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		MarketID: id,
		Side:     side,
		Shares:   units(res.Shares),
		Amount:   units(amount),
		Fee:      units(res.Fee),
		Price:    res.Price,
	})
}

// Sell returns outcome shares to the pool for collateral.
// POST /api/markets/{id}/sell
func (h *TradeHandler) Sell(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req sellRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, _ := domain.ParseSide(req.Side)
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.eng.Sell(r.Context(), id, common.HexToAddress(req.Participant), side, shares)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		MarketID: id,
		Side:     side,
		Shares:   units(shares),
		Amount:   units(res.Amount),
		Price:    res.Price,
	})
}
