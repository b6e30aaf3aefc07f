package caseapi

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tripwire/internal/signal"
)

func (a *API) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	var in signal.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return
	}
	if in.SourceType == "" {
		in.SourceType = string(signal.SourceManual)
	}
	a.submit(w, r, &in)
}

// handleWebhookSignal accepts signed deliveries from external reporters.
// Whatever the body claims, the source is recorded as webhook.
func (a *API) handleWebhookSignal(w http.ResponseWriter, r *http.Request) {
	var in signal.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return
	}
	in.SourceType = string(signal.SourceWebhook)
	a.submit(w, r, &in)
}

func (a *API) submit(w http.ResponseWriter, r *http.Request, in *signal.Input) {
	res, err := a.svc.Submit(r.Context(), in)
	if err != nil {
		a.writeError(w, r, err, "signal submission failed")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("tripwire.case.id", res.CaseID),
		attribute.Bool("tripwire.signal.accepted", res.Accepted),
		attribute.Bool("tripwire.signal.duplicate", res.Duplicate),
	)

	writeJSON(w, http.StatusAccepted, res)
}
