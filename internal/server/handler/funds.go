package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclemarket/internal/engine"
)

// FundsEngine defines the ledger methods the funds handler requires.
type FundsEngine interface {
	Config() engine.Config
	Deposit(ctx context.Context, participant common.Address, amount *big.Int) error
	Withdraw(ctx context.Context, participant common.Address, amount *big.Int) error
	Balance(participant common.Address) *big.Int
	Treasury() *big.Int
}

// FundsHandler serves deposits, withdrawals and balance views.
type FundsHandler struct {
	eng    FundsEngine
	logger *slog.Logger
}

// NewFundsHandler creates a FundsHandler.
func NewFundsHandler(eng FundsEngine, logger *slog.Logger) *FundsHandler {
	return &FundsHandler{eng: eng, logger: logHandler(logger, "funds")}
}

type balanceResponse struct {
	Participant string `json:"participant"`
	Balance     string `json:"balance"`
}

// GetBalance returns a participant's free balance.
// GET /api/balances/{address}
func (h *FundsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Participant: addr.Hex(),
		Balance:     units(h.eng.Balance(addr)),
	})
}

// GetTreasury returns the accumulated protocol fees.
// GET /api/treasury
func (h *FundsHandler) GetTreasury(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"treasury": units(h.eng.Treasury())}
	if addr := h.eng.Config().TreasuryAddress; addr != (common.Address{}) {
		resp["address"] = addr.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Deposit credits collateral to a participant.
// POST /api/deposits
func (h *FundsHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, "deposit", h.eng.Deposit)
}

// Withdraw debits collateral from a participant's free balance.
// POST /api/withdrawals
func (h *FundsHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, "withdraw", h.eng.Withdraw)
}

func (h *FundsHandler) move(w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, common.Address, *big.Int) error) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr := common.HexToAddress(req.Participant)
	if err := fn(r.Context(), addr, amount); err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: "+op,
		slog.String("participant", addr.Hex()),
		slog.String("amount", units(amount)),
	)
	writeJSON(w, http.StatusOK, balanceResponse{
		Participant: addr.Hex(),
		Balance:     units(h.eng.Balance(addr)),
	})
}
