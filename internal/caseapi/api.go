// Package caseapi exposes the case pipeline over HTTP: signal intake,
// case queries and operator overrides.
package caseapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/tripwire/internal/authmw"
	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

// maxWebhookBody bounds the body read for signature verification.
const maxWebhookBody = 64 << 10

// retryAfterSeconds is sent with every 503.
const retryAfterSeconds = "5"

// CaseService defines the business operations caseapi needs.
type CaseService interface {
	Submit(ctx context.Context, in *signal.Input) (*cases.SubmitResult, error)
	Get(ctx context.Context, id string) (*cases.Case, bool, error)
	GetByKey(ctx context.Context, key signal.Key) (*cases.Case, bool, error)
	ListOpen(ctx context.Context, f cases.Filter) ([]*cases.Case, error)
	Dismiss(ctx context.Context, id, reason string) (*cases.Case, error)
	OverrideSeverity(ctx context.Context, id string, sev cases.Severity, reason string) (*cases.Case, error)
	Replan(ctx context.Context, id string) (*cases.Case, error)
}

// Auth holds the credentials the routes check.
type Auth struct {
	// APIToken guards operator routes and direct signal submission.
	APIToken string

	// WebhookSecret signs webhook deliveries. Empty disables the webhook route.
	WebhookSecret string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    CaseService
	auth   Auth
}

// New creates a new API handler.
func New(logger log.Logger, svc CaseService, auth Auth) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("case service is required"))
	}
	return &API{logger: logger, svc: svc, auth: auth}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if a.auth.WebhookSecret != "" {
			r.With(authmw.WebhookSignature(a.auth.WebhookSecret, maxWebhookBody)).
				Post("/webhooks/signals", a.handleWebhookSignal)
		}

		r.Group(func(r chi.Router) {
			r.Use(authmw.BearerToken(a.auth.APIToken))

			r.Post("/signals", a.handleSubmitSignal)

			r.Get("/cases", a.handleListCases)
			r.Get("/cases/lookup", a.handleLookupCase)
			r.Get("/cases/{id}", a.handleGetCase)
			r.Post("/cases/{id}/dismiss", a.handleDismiss)
			r.Post("/cases/{id}/severity", a.handleOverrideSeverity)
			r.Post("/cases/{id}/replan", a.handleReplan)
		})
	})
}

type errorBody struct {
	Error    string              `json:"error"`
	Problems []signal.FieldError `json:"problems,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline errors to HTTP statuses. Storage outages and
// shutdown are 503 with Retry-After so callers resubmit later.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var verr *signal.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Problems: verr.Problems})
	case errors.Is(err, cases.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, cases.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case cases.Retriable(err), errors.Is(err, context.DeadlineExceeded):
		a.logger.Warn(r.Context(), msg, "err", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable, retry later"})
	default:
		a.logger.Error(r.Context(), err, msg)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
