package receiving

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

// Handler wires HTTP endpoints for goods receipts.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the goods receipt handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers goods receipt routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/from-purchase-order", h.createFromPurchaseOrder)
	r.Post("/from-assembly-order", h.createFromAssemblyOrder)
	r.Post("/manual", h.createManual)
	r.Get("/{id}", h.get)
	r.Put("/{id}/items", h.updateItems)
	r.Post("/{id}/confirm", h.confirm)
	r.Post("/{id}/cancel", h.cancel)
}

type fromPurchaseOrderRequest struct {
	PurchaseOrderID int64 `json:"purchase_order_id" validate:"required,gt=0"`
	LocationID      int64 `json:"location_id" validate:"required,gt=0"`
}

type fromAssemblyOrderRequest struct {
	AssemblyOrderID int64 `json:"assembly_order_id" validate:"required,gt=0"`
}

type manualItemPayload struct {
	ProductID   int64  `json:"product_id" validate:"required,gt=0"`
	QtyReceived string `json:"qty_received" validate:"required"`
	UnitPrice   string `json:"unit_price"`
}

type manualRequest struct {
	SupplierID int64               `json:"supplier_id"`
	LocationID int64               `json:"location_id" validate:"required,gt=0"`
	Items      []manualItemPayload `json:"items" validate:"required,min=1,dive"`
}

type itemUpdatePayload struct {
	ItemID      int64  `json:"item_id" validate:"required,gt=0"`
	QtyReceived string `json:"qty_received" validate:"required"`
}

type updateItemsRequest struct {
	Items []itemUpdatePayload `json:"items" validate:"required,min=1,dive"`
}

type confirmRequest struct {
	AllowOverReceipt bool `json:"allow_over_receipt"`
}

type itemResponse struct {
	ID           int64  `json:"id"`
	ProductID    int64  `json:"product_id"`
	QtyOrdered   string `json:"qty_ordered"`
	QtyReceived  string `json:"qty_received"`
	UnitPrice    string `json:"unit_price"`
	SourceLineID int64  `json:"source_line_id,omitempty"`
}

type receiptResponse struct {
	ID         int64          `json:"id"`
	Number     string         `json:"number"`
	SourceKind string         `json:"source_kind"`
	SourceRef  int64          `json:"source_ref,omitempty"`
	SupplierID int64          `json:"supplier_id,omitempty"`
	LocationID int64          `json:"location_id"`
	Status     string         `json:"status"`
	Note       string         `json:"note,omitempty"`
	Items      []itemResponse `json:"items"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func toResponse(receipt GoodsReceipt) receiptResponse {
	items := make([]itemResponse, 0, len(receipt.Items))
	for _, item := range receipt.Items {
		items = append(items, itemResponse{
			ID:           item.ID,
			ProductID:    item.ProductID,
			QtyOrdered:   item.QtyOrdered.String(),
			QtyReceived:  item.QtyReceived.String(),
			UnitPrice:    item.UnitPrice.String(),
			SourceLineID: item.SourceLineID,
		})
	}
	kind, ref := receipt.Source.columns()
	return receiptResponse{
		ID:         receipt.ID,
		Number:     receipt.Number,
		SourceKind: kind,
		SourceRef:  ref,
		SupplierID: receipt.SupplierID,
		LocationID: receipt.LocationID,
		Status:     string(receipt.Status),
		Note:       receipt.Note,
		Items:      items,
		CreatedAt:  receipt.CreatedAt,
		UpdatedAt:  receipt.UpdatedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status")), SourceKind: SourceKind(q.Get("source_kind"))}
	if supplier, err := strconv.ParseInt(q.Get("supplier_id"), 10, 64); err == nil {
		filter.SupplierID = supplier
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	receipts, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list goods receipts", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]receiptResponse, 0, len(receipts))
	for _, receipt := range receipts {
		out = append(out, toResponse(receipt))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"goods_receipts": out})
}

func (h *Handler) createFromPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req fromPurchaseOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("receiving: invalid payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("receiving: %v", err))
		return
	}
	actor := shared.ActorFromContext(r.Context())
	receipt, err := h.service.CreateFromPurchaseOrder(r.Context(), req.PurchaseOrderID, req.LocationID, actor.ID)
	if err != nil {
		h.logger.Error("create receipt from purchase order", slog.Int64("purchase_order_id", req.PurchaseOrderID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(receipt))
}

func (h *Handler) createFromAssemblyOrder(w http.ResponseWriter, r *http.Request) {
	var req fromAssemblyOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("receiving: invalid payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("receiving: %v", err))
		return
	}
	actor := shared.ActorFromContext(r.Context())
	receipt, err := h.service.CreateFromAssemblyOrder(r.Context(), req.AssemblyOrderID, actor.ID)
	if err != nil {
		h.logger.Error("create receipt from assembly order", slog.Int64("assembly_order_id", req.AssemblyOrderID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(receipt))
}

func (h *Handler) createManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("receiving: invalid payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("receiving: %v", err))
		return
	}
	items := make([]ManualItemInput, 0, len(req.Items))
	for _, p := range req.Items {
		qty, err := decimal.NewFromString(p.QtyReceived)
		if err != nil {
			httpx.RespondError(w, shared.Validationf("receiving: invalid qty_received %q", p.QtyReceived))
			return
		}
		price := decimal.Zero
		if p.UnitPrice != "" {
			if price, err = decimal.NewFromString(p.UnitPrice); err != nil {
				httpx.RespondError(w, shared.Validationf("receiving: invalid unit_price %q", p.UnitPrice))
				return
			}
		}
		items = append(items, ManualItemInput{ProductID: p.ProductID, QtyReceived: qty, UnitPrice: price})
	}
	actor := shared.ActorFromContext(r.Context())
	receipt, err := h.service.CreateManual(r.Context(), items, req.SupplierID, req.LocationID, actor.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(receipt))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	receipt, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(receipt))
}

func (h *Handler) updateItems(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateItemsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("receiving: invalid payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("receiving: %v", err))
		return
	}
	updates := make([]ItemUpdate, 0, len(req.Items))
	for _, p := range req.Items {
		qty, err := decimal.NewFromString(p.QtyReceived)
		if err != nil {
			httpx.RespondError(w, shared.Validationf("receiving: invalid qty_received %q", p.QtyReceived))
			return
		}
		updates = append(updates, ItemUpdate{ItemID: p.ItemID, QtyReceived: qty})
	}
	actor := shared.ActorFromContext(r.Context())
	receipt, err := h.service.UpdateItems(r.Context(), id, updates, actor.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(receipt))
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req confirmRequest
	_ = httpx.DecodeJSON(r, &req)
	actor := shared.ActorFromContext(r.Context())
	receipt, err := h.service.Confirm(r.Context(), id, ConfirmOptions{AllowOverReceipt: req.AllowOverReceipt, ActorID: actor.ID})
	if err != nil {
		h.logger.Error("confirm goods receipt", slog.Int64("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(receipt))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	receipt, err := h.service.Cancel(r.Context(), id, actor.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(receipt))
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Validationf("receiving: invalid id")
	}
	return id, nil
}
