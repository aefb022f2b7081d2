// Package handler exposes letter operations over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"creditflow/internal/audit"
	"creditflow/internal/letter/models"
	"creditflow/internal/letter/service"
	"creditflow/internal/platform/middleware"
	"creditflow/internal/transport/http/shared"
	dErrors "creditflow/pkg/domain-errors"
)

// Service is the letter operation surface the handler needs.
type Service interface {
	Create(ctx context.Context, in service.CreateInput, actor audit.Actor) (*models.Letter, error)
	Get(ctx context.Context, tenantID, letterID string) (*models.Letter, error)
	ListByDispute(ctx context.Context, tenantID, disputeID string) ([]models.Letter, error)
	Approve(ctx context.Context, tenantID, letterID string, actor audit.Actor) (*models.Letter, error)
	Send(ctx context.Context, tenantID, letterID string, actor audit.Actor) (*models.Letter, error)
}

// Handler handles letter endpoints.
type Handler struct {
	letters Service
	logger  *slog.Logger
}

// New creates a letter Handler.
func New(letters Service, logger *slog.Logger) *Handler {
	return &Handler{letters: letters, logger: logger}
}

// Register mounts the letter routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/letters", h.handleCreate)
	r.Get("/letters/{letterID}", h.handleGet)
	r.Get("/disputes/{disputeID}/letters", h.handleListByDispute)
	r.Post("/letters/{letterID}/approve", h.handleApprove)
	r.Post("/letters/{letterID}/send", h.handleSend)
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
	DisputeID        string          `json:"disputeId"`
	MailType         models.MailType `json:"mailType"`
	Narrative        string          `json:"narrative"`
	RecipientAddress models.Address  `json:"recipientAddress"`
	ReturnAddress    models.Address  `json:"returnAddress"`
	EvidenceIDs      []string        `json:"evidenceIds"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	l, err := h.letters.Create(ctx, service.CreateInput{
		TenantID:         ac.TenantID,
		DisputeID:        req.DisputeID,
		MailType:         req.MailType,
		Narrative:        req.Narrative,
		RecipientAddress: req.RecipientAddress,
		ReturnAddress:    req.ReturnAddress,
		EvidenceIDs:      req.EvidenceIDs,
	}, actorFrom(ac))
	if err != nil {
		h.writeServiceError(w, r, "create letter", err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, l)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)
	l, err := h.letters.Get(ctx, ac.TenantID, chi.URLParam(r, "letterID"))
	if err != nil {
		h.writeServiceError(w, r, "get letter", err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, l)
}

func (h *Handler) handleListByDispute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)
	letters, err := h.letters.ListByDispute(ctx, ac.TenantID, chi.URLParam(r, "disputeID"))
	if err != nil {
		h.writeServiceError(w, r, "list letters", err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"letters": letters})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)
	if err := ac.RequireRole(middleware.RoleOwner, middleware.RoleOperator); err != nil {
		shared.WriteError(w, err)
		return
	}

	l, err := h.letters.Approve(ctx, ac.TenantID, chi.URLParam(r, "letterID"), actorFrom(ac))
	if err != nil {
		h.writeServiceError(w, r, "approve letter", err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, l)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)
	if err := ac.RequireRole(middleware.RoleOwner, middleware.RoleOperator); err != nil {
		shared.WriteError(w, err)
		return
	}

	l, err := h.letters.Send(ctx, ac.TenantID, chi.URLParam(r, "letterID"), actorFrom(ac))
	if err != nil {
		h.writeServiceError(w, r, "send letter", err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, l)
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
