// Package handler exposes webhook ingestion and inspection over HTTP.
package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"creditflow/internal/platform/middleware"
	"creditflow/internal/transport/http/shared"
	"creditflow/internal/webhook"
	dErrors "creditflow/pkg/domain-errors"
)

// SignatureHeader carries the carrier's HMAC over the raw body.
const SignatureHeader = "X-Carrier-Signature"

// maxBodyBytes bounds webhook payloads; carrier envelopes are small.
const maxBodyBytes = 1 << 20

// Service is the webhook operation surface the handler needs.
type Service interface {
	HandleCarrier(ctx context.Context, rawBody []byte, signatureHeader string) (*webhook.Result, error)
	Retry(ctx context.Context, tenantID, eventID string) (*webhook.Result, error)
	List(ctx context.Context, tenantID string, opts webhook.ListOptions) ([]webhook.Event, error)
}

// Handler handles webhook endpoints.
type Handler struct {
	webhooks Service
	logger   *slog.Logger
}

// New creates a webhook Handler.
func New(webhooks Service, logger *slog.Logger) *Handler {
	return &Handler{webhooks: webhooks, logger: logger}
}

// RegisterCarrier mounts the unauthenticated ingestion route. The caller is
// expected to wrap it with the rate limiter.
func (h *Handler) RegisterCarrier(r chi.Router) {
	r.Post("/webhooks/carrier", h.handleCarrier)
}

// Register mounts the authenticated inspection routes.
func (h *Handler) Register(r chi.Router) {
	r.Get("/webhooks", h.handleList)
	r.Post("/webhooks/{eventID}/retry", h.handleRetry)
}

func (h *Handler) handleCarrier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable request body"))
		return
	}

	res, err := h.webhooks.HandleCarrier(ctx, body, r.Header.Get(SignatureHeader))
	if err != nil {
		code := dErrors.CodeOf(err)
		if code == dErrors.CodeInternal {
			h.logger.ErrorContext(ctx, "carrier webhook processing failed",
				"error", err.Error(),
				"request_id", middleware.GetRequestID(ctx),
			)
			shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to process webhook"))
			return
		}
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)
	if err := ac.RequireRole(middleware.RoleOwner, middleware.RoleOperator); err != nil {
		shared.WriteError(w, err)
		return
	}

	res, err := h.webhooks.Retry(ctx, ac.TenantID, chi.URLParam(r, "eventID"))
	if err != nil {
		h.writeServiceError(w, r, "retry webhook event", err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac := middleware.GetAuthContext(ctx)

	opts := webhook.ListOptions{
		Provider: webhook.Provider(r.URL.Query().Get("provider")),
		Status:   webhook.EventStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}

	events, err := h.webhooks.List(ctx, ac.TenantID, opts)
	if err != nil {
		h.writeServiceError(w, r, "list webhook events", err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
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
