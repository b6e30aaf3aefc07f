package cases_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

func TestDispatch_CreatesActionSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t, nil)
	h.notifier.setScript(func(context.Context) error { return cases.Transient(errors.New("slack 502")) })

	res := h.submit(t, input("webhook", "v-trace", signal.KindImpersonation, `{}`))
	h.start(t)
	h.waitForState(t, res.CaseID, cases.StateResolved)

	var notify []tracetest.SpanStub
	for _, s := range exporter.GetSpans() {
		if s.Name != "action.notify" {
			continue
		}
		for _, kv := range s.Attributes {
			if string(kv.Key) == "tripwire.case.id" && kv.Value.AsString() == res.CaseID {
				notify = append(notify, s)
			}
		}
	}
	if len(notify) != 2 {
		t.Fatalf("got %d action.notify spans for the case, want 2", len(notify))
	}
	if notify[0].Status.Code != codes.Error {
		t.Errorf("first attempt status = %v, want Error", notify[0].Status.Code)
	}
	if len(notify[0].Events) == 0 {
		t.Error("first attempt should record the error as an event")
	}
	if notify[1].Status.Code == codes.Error {
		t.Errorf("second attempt status = %v, want success", notify[1].Status.Code)
	}

	var sawAction bool
	for _, kv := range notify[1].Attributes {
		if string(kv.Key) == "tripwire.action" {
			sawAction = kv.Value.AsString() == string(cases.ActionNotify)
		}
	}
	if !sawAction {
		t.Errorf("span attributes = %v, want tripwire.action=NOTIFY", notify[1].Attributes)
	}
}
