package bom

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

// Handler wires HTTP endpoints for the BOM catalog.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the BOM handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers BOM routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Put("/{id}", h.update)
	r.Post("/{id}/default", h.setDefault)
	r.Get("/product/{productID}", h.listForProduct)
	r.Get("/product/{productID}/default", h.defaultFor)
}

type itemPayload struct {
	ComponentID     int64  `json:"component_id" validate:"required,gt=0"`
	QuantityPerUnit string `json:"qty_per_unit" validate:"required"`
	Notes           string `json:"notes"`
}

type createRequest struct {
	ProductID int64         `json:"product_id" validate:"required,gt=0"`
	Version   string        `json:"version" validate:"required"`
	IsDefault bool          `json:"is_default"`
	Notes     string        `json:"notes"`
	Items     []itemPayload `json:"items" validate:"required,min=1,dive"`
}

type updateRequest struct {
	Version string        `json:"version" validate:"required"`
	Notes   string        `json:"notes"`
	Items   []itemPayload `json:"items" validate:"required,min=1,dive"`
}

type bomResponse struct {
	ID        int64          `json:"id"`
	ProductID int64          `json:"product_id"`
	Version   string         `json:"version"`
	IsDefault bool           `json:"is_default"`
	Notes     string         `json:"notes,omitempty"`
	Items     []itemResponse `json:"items"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type itemResponse struct {
	ComponentID     int64  `json:"component_id"`
	QuantityPerUnit string `json:"qty_per_unit"`
	Position        int    `json:"position"`
	Notes           string `json:"notes,omitempty"`
}

func toResponse(b BillOfMaterials) bomResponse {
	items := make([]itemResponse, 0, len(b.Items))
	for _, item := range b.Items {
		items = append(items, itemResponse{
			ComponentID:     item.ComponentID,
			QuantityPerUnit: item.QuantityPerUnit.String(),
			Position:        item.Position,
			Notes:           item.Notes,
		})
	}
	return bomResponse{
		ID:        b.ID,
		ProductID: b.ProductID,
		Version:   b.Version,
		IsDefault: b.IsDefault,
		Notes:     b.Notes,
		Items:     items,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

func parseItems(payloads []itemPayload) ([]ItemInput, error) {
	items := make([]ItemInput, 0, len(payloads))
	for _, p := range payloads {
		qty, err := decimal.NewFromString(p.QuantityPerUnit)
		if err != nil {
			return nil, shared.Validationf("bom: invalid qty_per_unit %q", p.QuantityPerUnit)
		}
		items = append(items, ItemInput{ComponentID: p.ComponentID, QuantityPerUnit: qty, Notes: p.Notes})
	}
	return items, nil
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("bom: invalid payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("bom: %v", err))
		return
	}
	items, err := parseItems(req.Items)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	b, err := h.service.Create(r.Context(), CreateInput{
		ProductID: req.ProductID,
		Version:   req.Version,
		IsDefault: req.IsDefault,
		Notes:     req.Notes,
		Items:     items,
		ActorID:   actor.ID,
	})
	if err != nil {
		h.logger.Error("create bom", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(b))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	b, err := h.service.Resolve(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(b))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("bom: invalid payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("bom: %v", err))
		return
	}
	items, err := parseItems(req.Items)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	b, err := h.service.Update(r.Context(), id, UpdateInput{
		Version: req.Version,
		Notes:   req.Notes,
		Items:   items,
		ActorID: actor.ID,
	})
	if err != nil {
		h.logger.Error("update bom", slog.Int64("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(b))
}

func (h *Handler) setDefault(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	if err := h.service.SetDefault(r.Context(), id, actor.ID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "default set"})
}

func (h *Handler) listForProduct(w http.ResponseWriter, r *http.Request) {
	productID, err := pathID(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	boms, err := h.service.ListForProduct(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]bomResponse, 0, len(boms))
	for _, b := range boms {
		out = append(out, toResponse(b))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"boms": out})
}

func (h *Handler) defaultFor(w http.ResponseWriter, r *http.Request) {
	productID, err := pathID(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	b, err := h.service.DefaultFor(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(b))
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Validationf("bom: invalid %s", name)
	}
	return id, nil
}
