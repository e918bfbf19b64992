package stock

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/platform/httpx"
	"github.com/fabrica-erp/fabrica/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/balances", h.listBalances)
	r.Get("/balances/{productID}/{locationID}", h.getBalance)
	r.Get("/movements", h.listMovements)
	r.Post("/movements", h.postMovement)
}

type balanceResponse struct {
	ProductID  int64     `json:"product_id"`
	LocationID int64     `json:"location_id"`
	OnHand     string    `json:"on_hand"`
	Reserved   string    `json:"reserved"`
	Available  string    `json:"available"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toBalanceResponse(bal Balance) balanceResponse {
	return balanceResponse{
		ProductID:  bal.ProductID,
		LocationID: bal.LocationID,
		OnHand:     bal.OnHand.String(),
		Reserved:   bal.Reserved.String(),
		Available:  bal.Available().String(),
		UpdatedAt:  bal.UpdatedAt,
	}
}

type moveResponse struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	ProductID  int64     `json:"product_id"`
	LocationID int64     `json:"location_id"`
	Qty        string    `json:"qty"`
	RefModule  string    `json:"ref_module,omitempty"`
	RefID      string    `json:"ref_id,omitempty"`
	Note       string    `json:"note,omitempty"`
	ActorID    int64     `json:"actor_id"`
	PostedAt   time.Time `json:"posted_at"`
}

type movementRequest struct {
	Kind       string `json:"kind" validate:"required,oneof=RESERVE RELEASE DEBIT CREDIT"`
	ProductID  int64  `json:"product_id" validate:"required,gt=0"`
	LocationID int64  `json:"location_id" validate:"required,gt=0"`
	Qty        string `json:"qty" validate:"required"`
	Force      bool   `json:"force"`
	Note       string `json:"note"`
}

func (h *Handler) listBalances(w http.ResponseWriter, r *http.Request) {
	filter := BalanceFilter{
		ProductID:  queryInt64(r, "product_id"),
		LocationID: queryInt64(r, "location_id"),
		Limit:      int(queryInt64(r, "limit")),
	}
	balances, err := h.service.ListBalances(r.Context(), filter)
	if err != nil {
		h.logger.Error("list balances", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]balanceResponse, 0, len(balances))
	for _, bal := range balances {
		out = append(out, toBalanceResponse(bal))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balances": out})
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	productID, err1 := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	locationID, err2 := strconv.ParseInt(chi.URLParam(r, "locationID"), 10, 64)
	if err1 != nil || err2 != nil {
		httpx.RespondError(w, shared.Validationf("stock: invalid balance key"))
		return
	}
	bal, err := h.service.GetBalance(r.Context(), productID, locationID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBalanceResponse(bal))
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	filter := MoveFilter{
		ProductID:  queryInt64(r, "product_id"),
		LocationID: queryInt64(r, "location_id"),
		RefModule:  r.URL.Query().Get("ref_module"),
		Limit:      int(queryInt64(r, "limit")),
	}
	moves, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.logger.Error("list movements", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]moveResponse, 0, len(moves))
	for _, m := range moves {
		out = append(out, moveResponse{
			ID:         m.ID,
			Kind:       string(m.Kind),
			ProductID:  m.ProductID,
			LocationID: m.LocationID,
			Qty:        m.Qty.String(),
			RefModule:  m.RefModule,
			RefID:      m.RefID,
			Note:       m.Note,
			ActorID:    m.ActorID,
			PostedAt:   m.PostedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": out})
}

func (h *Handler) postMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("stock: invalid payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("stock: %v", err))
		return
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("stock: invalid qty %q", req.Qty))
		return
	}
	actor := shared.ActorFromContext(r.Context())
	input := MovementInput{
		ProductID:  req.ProductID,
		LocationID: req.LocationID,
		Qty:        qty,
		Force:      req.Force,
		RefModule:  "STOCK",
		Note:       req.Note,
		ActorID:    actor.ID,
	}
	switch Kind(req.Kind) {
	case KindReserve:
		err = h.service.Reserve(r.Context(), input)
	case KindRelease:
		err = h.service.Release(r.Context(), input)
	case KindDebit:
		err = h.service.Debit(r.Context(), input)
	case KindCredit:
		err = h.service.Credit(r.Context(), input)
	}
	if err != nil {
		if shortages, ok := IsInsufficient(err); ok {
			httpx.ProblemWithData(w, http.StatusConflict, "Insufficient Stock", err.Error(), map[string]any{
				"shortages": ShortagesPayload(shortages),
			})
			return
		}
		h.logger.Error("post movement failed", slog.String("kind", req.Kind), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"status": "posted"})
}

// ShortagesPayload renders shortages as JSON-friendly maps. Shared by every
// handler that surfaces insufficient-stock detail.
func ShortagesPayload(shortages []Shortage) []map[string]any {
	out := make([]map[string]any, 0, len(shortages))
	for _, s := range shortages {
		out = append(out, map[string]any{
			"product_id":  s.ProductID,
			"location_id": s.LocationID,
			"requested":   s.Requested.String(),
			"available":   s.Available.String(),
			"missing":     s.Missing().String(),
		})
	}
	return out
}

func queryInt64(r *http.Request, name string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return v
}
