package caseapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

const maxListLimit = 1000

type listResponse struct {
	Cases []*cases.Case `json:"cases"`
	Count int           `json:"count"`
}

func (a *API) handleListCases(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		a.writeError(w, r, err, "invalid case filter")
		return
	}
	list, err := a.svc.ListOpen(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err, "failed to list cases")
		return
	}
	if list == nil {
		list = []*cases.Case{}
	}
	writeJSON(w, http.StatusOK, listResponse{Cases: list, Count: len(list)})
}

// parseFilter reads state (repeatable or comma-separated), severity (a
// minimum), needs_review, subject and limit from the query string.
func parseFilter(r *http.Request) (cases.Filter, error) {
	q := r.URL.Query()
	var f cases.Filter
	verr := &signal.ValidationError{}

	for _, raw := range q["state"] {
		for _, s := range strings.Split(raw, ",") {
			st := cases.State(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				verr.Problems = append(verr.Problems, signal.FieldError{Field: "state", Problem: fmt.Sprintf("unknown state %q", s)})
				continue
			}
			f.States = append(f.States, st)
		}
	}
	if s := q.Get("severity"); s != "" {
		f.MinSeverity = cases.Severity(strings.ToUpper(s))
		if !f.MinSeverity.Valid() {
			verr.Problems = append(verr.Problems, signal.FieldError{Field: "severity", Problem: fmt.Sprintf("unknown severity %q", s)})
		}
	}
	if s := q.Get("needs_review"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			verr.Problems = append(verr.Problems, signal.FieldError{Field: "needs_review", Problem: "must be a boolean"})
		}
		f.NeedsReview = b
	}
	f.Subject = signal.NormalizeIdentifier(q.Get("subject"))
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			verr.Problems = append(verr.Problems, signal.FieldError{Field: "limit", Problem: fmt.Sprintf("must be between 1 and %d", maxListLimit)})
		}
		f.Limit = n
	}

	if len(verr.Problems) > 0 {
		return cases.Filter{}, verr
	}
	return f, nil
}

func (a *API) handleLookupCase(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := signal.Key{
		Subject:  q.Get("subject"),
		Violator: q.Get("violator"),
		Kind:     signal.Kind(strings.ToUpper(q.Get("kind"))),
	}
	verr := &signal.ValidationError{}
	if key.Subject == "" {
		verr.Problems = append(verr.Problems, signal.FieldError{Field: "subject", Problem: "required"})
	}
	if key.Violator == "" {
		verr.Problems = append(verr.Problems, signal.FieldError{Field: "violator", Problem: "required"})
	}
	if !key.Kind.Valid() {
		verr.Problems = append(verr.Problems, signal.FieldError{Field: "kind", Problem: fmt.Sprintf("unknown kind %q", key.Kind)})
	}
	if len(verr.Problems) > 0 {
		a.writeError(w, r, verr, "invalid case lookup")
		return
	}

	c, ok, err := a.svc.GetByKey(r.Context(), key)
	a.writeCase(w, r, c, ok, err)
}

func (a *API) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("tripwire.case.id", id))

	c, ok, err := a.svc.Get(r.Context(), id)
	a.writeCase(w, r, c, ok, err)
}

func (a *API) writeCase(w http.ResponseWriter, r *http.Request, c *cases.Case, ok bool, err error) {
	if err != nil {
		a.writeError(w, r, err, "failed to get case")
		return
	}
	if !ok {
		a.writeError(w, r, cases.ErrNotFound, "case not found")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("tripwire.case.state", string(c.State)),
		attribute.String("tripwire.case.severity", string(c.Severity)),
	)
	writeJSON(w, http.StatusOK, c)
}

type dismissRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleDismiss(w http.ResponseWriter, r *http.Request) {
	var req dismissRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return
	}
	c, err := a.svc.Dismiss(r.Context(), chi.URLParam(r, "id"), req.Reason)
	a.writeUpdated(w, r, c, err, "dismiss failed")
}

type severityRequest struct {
	Severity cases.Severity `json:"severity"`
	Reason   string         `json:"reason"`
}

func (a *API) handleOverrideSeverity(w http.ResponseWriter, r *http.Request) {
	var req severityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return
	}
	req.Severity = cases.Severity(strings.ToUpper(string(req.Severity)))
	c, err := a.svc.OverrideSeverity(r.Context(), chi.URLParam(r, "id"), req.Severity, req.Reason)
	a.writeUpdated(w, r, c, err, "severity override failed")
}

func (a *API) handleReplan(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.Replan(r.Context(), chi.URLParam(r, "id"))
	a.writeUpdated(w, r, c, err, "replan failed")
}

func (a *API) writeUpdated(w http.ResponseWriter, r *http.Request, c *cases.Case, err error, msg string) {
	if err != nil {
		a.writeError(w, r, err, msg)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("tripwire.case.id", c.ID),
		attribute.String("tripwire.case.state", string(c.State)),
	)
	writeJSON(w, http.StatusOK, c)
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
