package procurement

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

// Handler wires HTTP endpoints for purchase orders.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the purchase order handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers purchase order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Put("/{id}/lines", h.updateLines)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/cancel", h.cancel)
	r.Post("/{id}/close", h.close)
}

type linePayload struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Qty       string `json:"qty" validate:"required"`
	Price     string `json:"price"`
	Note      string `json:"note"`
}

type createRequest struct {
	Number       string        `json:"number"`
	SupplierID   int64         `json:"supplier_id" validate:"required,gt=0"`
	Currency     string        `json:"currency" validate:"omitempty,len=3,alpha"`
	ExpectedDate string        `json:"expected_date"`
	Note         string        `json:"note"`
	Lines        []linePayload `json:"lines" validate:"required,min=1,dive"`
}

type updateLinesRequest struct {
	Lines []linePayload `json:"lines" validate:"required,min=1,dive"`
}

type approveRequest struct {
	Note string `json:"note"`
}

type lineResponse struct {
	ID          int64  `json:"id"`
	ProductID   int64  `json:"product_id"`
	Qty         string `json:"qty"`
	QtyReceived string `json:"qty_received"`
	Remaining   string `json:"remaining_to_receive"`
	Price       string `json:"price"`
	Note        string `json:"note,omitempty"`
}

type orderResponse struct {
	ID           int64          `json:"id"`
	Number       string         `json:"number"`
	SupplierID   int64          `json:"supplier_id"`
	Status       string         `json:"status"`
	Currency     string         `json:"currency"`
	ExpectedDate time.Time      `json:"expected_date"`
	Note         string         `json:"note,omitempty"`
	Lines        []lineResponse `json:"lines"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func toResponse(po PurchaseOrder) orderResponse {
	lines := make([]lineResponse, 0, len(po.Lines))
	for _, line := range po.Lines {
		lines = append(lines, lineResponse{
			ID:          line.ID,
			ProductID:   line.ProductID,
			Qty:         line.Qty.String(),
			QtyReceived: line.QtyReceived.String(),
			Remaining:   line.RemainingToReceive().String(),
			Price:       line.Price.String(),
			Note:        line.Note,
		})
	}
	return orderResponse{
		ID:           po.ID,
		Number:       po.Number,
		SupplierID:   po.SupplierID,
		Status:       string(po.Status),
		Currency:     po.Currency,
		ExpectedDate: po.ExpectedDate,
		Note:         po.Note,
		Lines:        lines,
		CreatedAt:    po.CreatedAt,
		UpdatedAt:    po.UpdatedAt,
	}
}

func parseLines(payloads []linePayload) ([]LineInput, error) {
	lines := make([]LineInput, 0, len(payloads))
	for _, p := range payloads {
		qty, err := decimal.NewFromString(p.Qty)
		if err != nil {
			return nil, shared.Validationf("procurement: invalid qty %q", p.Qty)
		}
		price := decimal.Zero
		if p.Price != "" {
			if price, err = decimal.NewFromString(p.Price); err != nil {
				return nil, shared.Validationf("procurement: invalid price %q", p.Price)
			}
		}
		lines = append(lines, LineInput{ProductID: p.ProductID, Qty: qty, Price: price, Note: p.Note})
	}
	return lines, nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status"))}
	if supplier, err := strconv.ParseInt(q.Get("supplier_id"), 10, 64); err == nil {
		filter.SupplierID = supplier
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	orders, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list purchase orders", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, po := range orders {
		out = append(out, toResponse(po))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"purchase_orders": out})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("procurement: invalid payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("procurement: %v", err))
		return
	}
	lines, err := parseLines(req.Lines)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var expected time.Time
	if req.ExpectedDate != "" {
		if expected, err = time.Parse("2006-01-02", req.ExpectedDate); err != nil {
			httpx.RespondError(w, shared.Validationf("procurement: invalid expected_date %q", req.ExpectedDate))
			return
		}
	}
	actor := shared.ActorFromContext(r.Context())
	po, err := h.service.Create(r.Context(), CreateInput{
		Number:       req.Number,
		SupplierID:   req.SupplierID,
		Currency:     req.Currency,
		ExpectedDate: expected,
		Note:         req.Note,
		Lines:        lines,
		ActorID:      actor.ID,
	})
	if err != nil {
		h.logger.Error("create purchase order", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(po))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(po))
}

func (h *Handler) updateLines(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateLinesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("procurement: invalid payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("procurement: %v", err))
		return
	}
	lines, err := parseLines(req.Lines)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	po, err := h.service.UpdateLines(r.Context(), id, lines, actor.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(po))
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req approveRequest
	_ = httpx.DecodeJSON(r, &req)
	actor := shared.ActorFromContext(r.Context())
	po, err := h.service.Approve(r.Context(), id, actor.ID, req.Note)
	if err != nil {
		h.logger.Error("approve purchase order", slog.Int64("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(po))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	po, err := h.service.Cancel(r.Context(), id, actor.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(po))
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	po, err := h.service.Close(r.Context(), id, actor.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(po))
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Validationf("procurement: invalid id")
	}
	return id, nil
}
