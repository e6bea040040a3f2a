package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/oracle"
)

// PriceHandler serves the informational asset price lookup. The engine
// never trusts this endpoint; it reads the feed itself when settling.
type PriceHandler struct {
	feed   domain.PriceFeed
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler. feed may be nil when no provider
// is configured.
func NewPriceHandler(feed domain.PriceFeed, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{feed: feed, logger: logHandler(logger, "prices")}
}

type priceResponse struct {
	Asset    string          `json:"asset"`
	CoinID   string          `json:"coin_id"`
	PriceUSD decimal.Decimal `json:"price_usd"`
	AsOf     time.Time       `json:"as_of"`
}

// GetPrice returns the current USD price of an asset.
// GET /api/prices/{asset}
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToLower(strings.TrimSpace(r.PathValue("asset")))
	if asset == "" {
		writeError(w, http.StatusBadRequest, "missing asset")
		return
	}
	if h.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "no price feed configured")
		return
	}
	price, ok, err := h.feed.GetPrice(r.Context(), asset)
	if err != nil {
		if errors.Is(err, domain.ErrOracleUnavailable) {
			h.logger.WarnContext(r.Context(), "handler: price feed unavailable",
				slog.String("asset", asset),
				slog.String("error", err.Error()),
			)
		}
		writeEngineError(w, r, h.logger, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no price for asset "+asset)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{
		Asset:    asset,
		CoinID:   oracle.CoinID(asset),
		PriceUSD: price,
		AsOf:     time.Now().UTC(),
	})
}
