// Package handler exposes dispute operations over HTTP. Routes assume the
// auth middleware already ran; the caller identity comes from the request
// context.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"creditflow/internal/audit"
	"creditflow/internal/dispute/models"
	"creditflow/internal/dispute/service"
	"creditflow/internal/platform/middleware"
	"creditflow/internal/transport/http/shared"
	dErrors "creditflow/pkg/domain-errors"
)

// Service is the dispute operation surface the handler needs.
type Service interface {
	Create(ctx context.Context, in service.CreateInput, actor audit.Actor) (*models.Dispute, error)
	Get(ctx context.Context, tenantID, disputeID string) (*models.Dispute, error)
	List(ctx context.Context, tenantID string, opts service.ListOptions) ([]models.Dispute, error)
	Submit(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*models.Dispute, error)
	BeginReview(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*models.Dispute, error)
	Resolve(ctx context.Context, tenantID, disputeID, outcome string, actor audit.Actor) (*models.Dispute, error)
	Close(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*models.Dispute, error)
	Extend(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*models.Dispute, error)
}

// AuditReader lists audit entries for the dispute history endpoint.
type AuditReader interface {
	ListByEntity(ctx context.Context, tenantID string, entity audit.Entity, entityID string, limit int) ([]audit.Entry, error)
}

// Handler handles dispute endpoints.
type Handler struct {
	disputes Service
	trail    AuditReader
	logger   *slog.Logger
}

// New creates a dispute Handler.
func New(disputes Service, trail AuditReader, logger *slog.Logger) *Handler {
	return &Handler{disputes: disputes, trail: trail, logger: logger}
}

// Register mounts the dispute routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/disputes", h.handleCreate)
	r.Get("/disputes", h.handleList)
	r.Get("/disputes/{disputeID}", h.handleGet)
	r.Get("/disputes/{disputeID}/audit", h.handleAuditHistory)
	r.Post("/disputes/{disputeID}/submit", h.handleSubmit)
	r.Post("/disputes/{disputeID}/review", h.handleBeginReview)
	r.Post("/disputes/{disputeID}/resolve", h.handleResolve)
	r.Post("/disputes/{disputeID}/close", h.handleClose)
	r.Post("/disputes/{disputeID}/extend", h.handleExtend)
}

func actorFrom(ac *middleware.AuthContext) audit.Actor {
	return audit.Actor{
		UserID:    ac.UserID,
		Email:     ac.Email,
		Role:      string(ac.Role),
		IP:        ac.IP,
		UserAgent: ac.UserAgent,
	}
}

type createRequest struct {
	ConsumerID  string          `json:"consumerId"`
	TradelineID string          `json:"tradelineId"`
	Bureau      models.Bureau   `json:"bureau"`
	Type        string          `json:"type"`
	Consumer    models.Consumer `json:"consumer"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	d, err := h.disputes.Create(ctx, service.CreateInput{
		TenantID:    ac.TenantID,
		ConsumerID:  req.ConsumerID,
		TradelineID: req.TradelineID,
		Bureau:      req.Bureau,
		Type:        req.Type,
		Consumer:    req.Consumer,
	}, actorFrom(ac))
	if err != nil {
		h.writeServiceError(w, r, "create dispute", err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, d)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)
	d, err := h.disputes.Get(ctx, ac.TenantID, chi.URLParam(r, "disputeID"))
	if err != nil {
		h.writeServiceError(w, r, "get dispute", err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, d)
}

type listItem struct {
	models.Dispute
	ConsumerDisplay models.Display `json:"consumerDisplay"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)

	disputes, err := h.disputes.List(ctx, ac.TenantID, service.ListOptions{
		Status: models.Status(r.URL.Query().Get("status")),
	})
	if err != nil {
		h.writeServiceError(w, r, "list disputes", err)
		return
	}

	items := make([]listItem, len(disputes))
	for i, d := range disputes {
		display := d.Consumer.Display()
		d.Consumer = models.Consumer{}
		items[i] = listItem{Dispute: d, ConsumerDisplay: display}
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"disputes": items})
}

func (h *Handler) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)
	if err := ac.RequireRole(middleware.RoleOwner, middleware.RoleOperator, middleware.RoleAuditor); err != nil {
		shared.WriteError(w, err)
		return
	}

	entries, err := h.trail.ListByEntity(ctx, ac.TenantID, audit.EntityDispute, chi.URLParam(r, "disputeID"), 100)
	if err != nil {
		h.writeServiceError(w, r, "list dispute audit history", err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "submit dispute", h.disputes.Submit)
}

func (h *Handler) handleBeginReview(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "begin dispute review", h.disputes.BeginReview)
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	d, err := h.disputes.Resolve(ctx, ac.TenantID, chi.URLParam(r, "disputeID"), req.Outcome, actorFrom(ac))
	if err != nil {
		h.writeServiceError(w, r, "resolve dispute", err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, d)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)
	if err := ac.RequireRole(middleware.RoleOwner, middleware.RoleOperator); err != nil {
		shared.WriteError(w, err)
		return
	}
	h.transition(w, r, "close dispute", h.disputes.Close)
}

func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "extend dispute sla", h.disputes.Extend)
}

func (h *Handler) transition(
	w http.ResponseWriter,
	r *http.Request,
	what string,
	op func(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*models.Dispute, error),
) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)
	if ac == nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context missing"))
		return
	}

	d, err := op(ctx, ac.TenantID, chi.URLParam(r, "disputeID"), actorFrom(ac))
	if err != nil {
		h.writeServiceError(w, r, what, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, d)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, what string, err error) {
	ctx := r.Context()
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "failed to "+what,
			"error", err.Error(),
			"request_id", middleware.GetRequestID(ctx),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to "+what))
		return
	}
	h.logger.WarnContext(ctx, "rejected "+what,
		"error", err.Error(),
		"request_id", middleware.GetRequestID(ctx),
	)
	shared.WriteError(w, err)
}
