package assembly

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/platform/httpx"
	"github.com/fabrica-erp/fabrica/internal/shared"
	"github.com/fabrica-erp/fabrica/internal/stock"
)

// Handler wires HTTP endpoints for assembly orders.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the assembly handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers assembly order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/{id}/plan", h.plan)
	r.Get("/{id}/check-availability", h.checkAvailability)
	r.Post("/{id}/release", h.release)
	r.Post("/{id}/start", h.start)
	r.Post("/{id}/report-production", h.reportProduction)
	r.Post("/{id}/complete", h.complete)
	r.Post("/{id}/cancel", h.cancel)
	r.Post("/{id}/hold", h.hold)
	r.Post("/{id}/resume", h.resume)
}

type createRequest struct {
	Number           string `json:"number"`
	ProductID        int64  `json:"product_id" validate:"required,gt=0"`
	BomID            int64  `json:"bom_id"`
	QtyPlanned       string `json:"qty_planned" validate:"required"`
	LocationID       int64  `json:"location_id" validate:"required,gt=0"`
	OutputLocationID int64  `json:"output_location_id"`
	Priority         string `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT"`
	Note             string `json:"note"`
}

type planRequest struct {
	PlannedStart string `json:"planned_start"`
	PlannedEnd   string `json:"planned_end"`
	Priority     string `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT"`
}

type releaseRequest struct {
	AllowShortage bool `json:"allow_shortage"`
}

type reportRequest struct {
	Qty string `json:"qty" validate:"required"`
}

type orderResponse struct {
	ID               int64      `json:"id"`
	Number           string     `json:"number"`
	ProductID        int64      `json:"product_id"`
	BomID            int64      `json:"bom_id"`
	QtyPlanned       string     `json:"qty_planned"`
	QtyProduced      string     `json:"qty_produced"`
	LocationID       int64      `json:"location_id"`
	OutputLocationID int64      `json:"output_location_id"`
	Status           string     `json:"status"`
	HeldFrom         string     `json:"held_from,omitempty"`
	Priority         string     `json:"priority"`
	PlannedStart     *time.Time `json:"planned_start,omitempty"`
	PlannedEnd       *time.Time `json:"planned_end,omitempty"`
	Note             string     `json:"note,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func toResponse(order AssemblyOrder) orderResponse {
	return orderResponse{
		ID:               order.ID,
		Number:           order.Number,
		ProductID:        order.ProductID,
		BomID:            order.BomID,
		QtyPlanned:       order.QtyPlanned.String(),
		QtyProduced:      order.QtyProduced.String(),
		LocationID:       order.LocationID,
		OutputLocationID: order.OutputLocationID,
		Status:           string(order.Status),
		HeldFrom:         string(order.HeldFrom),
		Priority:         string(order.Priority),
		PlannedStart:     order.PlannedStart,
		PlannedEnd:       order.PlannedEnd,
		Note:             order.Note,
		Version:          order.Version,
		CreatedAt:        order.CreatedAt,
		UpdatedAt:        order.UpdatedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status")), Priority: Priority(q.Get("priority"))}
	if productID, err := strconv.ParseInt(q.Get("product_id"), 10, 64); err == nil {
		filter.ProductID = productID
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	orders, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list assembly orders", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, toResponse(order))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assembly_orders": out})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("assembly: invalid payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("assembly: %v", err))
		return
	}
	qty, err := decimal.NewFromString(req.QtyPlanned)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("assembly: invalid qty_planned %q", req.QtyPlanned))
		return
	}
	actor := shared.ActorFromContext(r.Context())
	order, err := h.service.Create(r.Context(), CreateInput{
		Number:           req.Number,
		ProductID:        req.ProductID,
		BomID:            req.BomID,
		QtyPlanned:       qty,
		LocationID:       req.LocationID,
		OutputLocationID: req.OutputLocationID,
		Priority:         Priority(req.Priority),
		Note:             req.Note,
		ActorID:          actor.ID,
	})
	if err != nil {
		h.logger.Error("create assembly order", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(order))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(order))
}

func (h *Handler) plan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req planRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("assembly: invalid payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("assembly: %v", err))
		return
	}
	input := PlanInput{Priority: Priority(req.Priority), ActorID: shared.ActorFromContext(r.Context()).ID}
	if input.PlannedStart, err = parseDate(req.PlannedStart); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if input.PlannedEnd, err = parseDate(req.PlannedEnd); err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.Plan(r.Context(), id, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(order))
}

func (h *Handler) checkAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.CheckAvailability(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req releaseRequest
	_ = httpx.DecodeJSON(r, &req)
	actor := shared.ActorFromContext(r.Context())
	order, err := h.service.Release(r.Context(), id, ReleaseOptions{AllowShortage: req.AllowShortage, ActorID: actor.ID})
	if err != nil {
		var insufficient *stock.InsufficientStockError
		if errors.As(err, &insufficient) {
			httpx.ProblemWithData(w, http.StatusConflict, "Insufficient Stock", shared.UserSafeMessage(err), map[string]any{
				"shortages": stock.ShortagesPayload(insufficient.Shortages),
			})
			return
		}
		h.logger.Error("release assembly order", slog.Int64("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(order))
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Start)
}

func (h *Handler) reportProduction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req reportRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("assembly: invalid payload"))
		return
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("assembly: invalid qty %q", req.Qty))
		return
	}
	actor := shared.ActorFromContext(r.Context())
	order, err := h.service.ReportProduction(r.Context(), id, qty, actor.ID)
	if err != nil {
		var insufficient *stock.InsufficientStockError
		if errors.As(err, &insufficient) {
			httpx.ProblemWithData(w, http.StatusConflict, "Insufficient Stock", shared.UserSafeMessage(err), map[string]any{
				"shortages": stock.ShortagesPayload(insufficient.Shortages),
			})
			return
		}
		h.logger.Error("report production", slog.Int64("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(order))
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Complete)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) hold(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Hold)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Resume)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, int64) (AssemblyOrder, error)) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	order, err := fn(r.Context(), id, actor.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(order))
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Validationf("assembly: invalid id")
	}
	return id, nil
}

func parseDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		if t, err = time.Parse("2006-01-02", value); err != nil {
			return nil, shared.Validationf("assembly: invalid date %q", value)
		}
	}
	return &t, nil
}
