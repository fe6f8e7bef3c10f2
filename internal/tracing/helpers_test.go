package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs a recording tracer provider as the global provider
// and returns the recorder. The helpers under test resolve their tracer
// through otel.Tracer, so the global must be swapped for each test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	return recorder
}

func singleSpan(t *testing.T, recorder *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	return spans[0]
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	attrs := make(map[attribute.Key]string)
	for _, attr := range span.Attributes() {
		attrs[attr.Key] = attr.Value.AsString()
	}
	return attrs
}

func TestStartDBSpan(t *testing.T) {
	tests := []struct {
		name      string
		table     string
		operation DBOperation
		wantName  string
	}{
		{"payment lookup", "payment_records", DBOperationQuery, "query payment_records"},
		{"webhook dedup insert", "processed_webhook_events", DBOperationInsert, "insert processed_webhook_events"},
		{"mirror upsert", "stripe_account_mirrors", DBOperationUpdate, "update stripe_account_mirrors"},
		{"key retention sweep", "idempotency_keys", DBOperationDelete, "delete idempotency_keys"},
		{"ledger append", "payout_ledger", DBOperationExec, "exec payout_ledger"},
		{"no table", "", DBOperationQuery, "query"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := recordSpans(t)

			_, endSpan := StartDBSpan(context.Background(), tt.table, tt.operation)
			endSpan(nil)

			span := singleSpan(t, recorder)
			if span.Name() != tt.wantName {
				t.Errorf("span name = %q, want %q", span.Name(), tt.wantName)
			}

			attrs := spanAttrs(span)
			if attrs["db.system"] != "postgresql" {
				t.Errorf("db.system = %q, want postgresql", attrs["db.system"])
			}
			if attrs["db.operation"] != string(tt.operation) {
				t.Errorf("db.operation = %q, want %q", attrs["db.operation"], tt.operation)
			}
			table, hasTable := attrs["db.sql.table"]
			if tt.table == "" && hasTable {
				t.Errorf("db.sql.table = %q on a span without a table", table)
			}
			if tt.table != "" && table != tt.table {
				t.Errorf("db.sql.table = %q, want %q", table, tt.table)
			}
		})
	}
}

func TestStartDBSpan_RecordsError(t *testing.T) {
	recorder := recordSpans(t)
	queryErr := errors.New("pq: connection refused")

	_, endSpan := StartDBSpan(context.Background(), "payment_records", DBOperationQuery)
	endSpan(queryErr)

	span := singleSpan(t, recorder)
	if span.Status().Code.String() != "Error" {
		t.Errorf("status = %s, want Error", span.Status().Code.String())
	}
	if span.Status().Description != queryErr.Error() {
		t.Errorf("status description = %q, want %q", span.Status().Description, queryErr.Error())
	}
}

func TestStartSpan(t *testing.T) {
	recorder := recordSpans(t)

	_, endSpan := StartSpan(context.Background(), "release_payout")
	endSpan(nil)

	span := singleSpan(t, recorder)
	if span.Name() != "release_payout" {
		t.Errorf("span name = %q, want release_payout", span.Name())
	}
	if code := span.Status().Code.String(); code == "Error" {
		t.Errorf("status = %s for a clean span", code)
	}
}

func TestStartSpan_RecordsError(t *testing.T) {
	recorder := recordSpans(t)

	_, endSpan := StartSpan(context.Background(), "release_payout")
	endSpan(errors.New("reservation not payable"))

	if code := singleSpan(t, recorder).Status().Code.String(); code != "Error" {
		t.Errorf("status = %s, want Error", code)
	}
}

func TestAddEvent(t *testing.T) {
	recorder := recordSpans(t)

	tracer := otel.Tracer("fireside-payments")
	ctx, span := tracer.Start(context.Background(), "process_webhook")

	AddEvent(ctx, "duplicate_delivery",
		attribute.String("stripe_event_id", "evt_1QxTest"),
		attribute.String("event_type", "payment_intent.succeeded"),
	)
	span.End()

	events := singleSpan(t, recorder).Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Name != "duplicate_delivery" {
		t.Errorf("event name = %q, want duplicate_delivery", events[0].Name)
	}
	if len(events[0].Attributes) != 2 {
		t.Errorf("event attributes = %d, want 2", len(events[0].Attributes))
	}
}

func TestSetAttributes(t *testing.T) {
	recorder := recordSpans(t)

	tracer := otel.Tracer("fireside-payments")
	ctx, span := tracer.Start(context.Background(), "issue_intent")

	SetAttributes(ctx,
		attribute.String("reservation_id", "res_8842"),
		attribute.String("endpoint", "/payments/intent"),
	)
	span.End()

	attrs := spanAttrs(singleSpan(t, recorder))
	if attrs["reservation_id"] != "res_8842" {
		t.Errorf("reservation_id = %q, want res_8842", attrs["reservation_id"])
	}
	if attrs["endpoint"] != "/payments/intent" {
		t.Errorf("endpoint = %q, want /payments/intent", attrs["endpoint"])
	}
}
