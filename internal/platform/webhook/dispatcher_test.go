package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSignAndVerifyPayload(t *testing.T) {
	payload := []byte(`{"patientId":"pt1"}`)
	sig := SignPayload(payload, "secret")
	if !VerifySignature(payload, "secret", sig) {
		t.Fatal("expected signature to verify")
	}
	if VerifySignature(payload, "wrong-secret", sig) {
		t.Fatal("expected verification to fail with wrong secret")
	}
	if VerifySignature([]byte("tampered"), "secret", sig) {
		t.Fatal("expected verification to fail on tampered payload")
	}
}

func TestHTTPDispatcherDelivers(t *testing.T) {
	var gotSig string
	var gotEvent Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotEvent)
		if !VerifySignature(body, "secret", gotSig) {
			t.Error("signature does not verify against raw body")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, "secret", zerolog.Nop())
	err := d.Notify(context.Background(), Event{
		Type:      EventDocumentDownload,
		CxID:      "cx1",
		PatientID: "pt1",
		RequestID: "req1",
		Status:    "completed",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotEvent.PatientID != "pt1" || gotEvent.Status != "completed" {
		t.Fatalf("unexpected event: %+v", gotEvent)
	}
	if gotEvent.ID == "" {
		t.Error("expected event ID to be assigned")
	}
}

func TestHTTPDispatcherRetriesOnFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, "", zerolog.Nop(),
		WithRetryDelays([]time.Duration{time.Millisecond, time.Millisecond}))
	err := d.Notify(context.Background(), Event{Type: EventDocumentConversion, Status: "failed"})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestHTTPDispatcherGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, "", zerolog.Nop(),
		WithRetryDelays([]time.Duration{time.Millisecond}))
	if err := d.Notify(context.Background(), Event{}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestCaptureDispatcher(t *testing.T) {
	d := NewCaptureDispatcher()
	d.Notify(context.Background(), Event{PatientID: "pt1"})
	d.Notify(context.Background(), Event{PatientID: "pt2"})
	events := d.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}
