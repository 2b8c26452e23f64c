package query

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/hie/gateway/internal/domain/progress"
)

func newHandlerServer(env *testEnv) *echo.Echo {
	e := echo.New()
	h := NewHandler(env.orch)
	h.RegisterRoutes(e.Group("/medical/v1"), e.Group("/internal"))
	return e
}

func postJSON(t *testing.T, e *echo.Echo, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestStartDocumentQueryEndpoint(t *testing.T) {
	env := newTestEnv()
	env.links.SetLinks("cx1", "pt1", []string{"1.1"})
	e := newHandlerServer(env)

	rec := postJSON(t, e, "/medical/v1/document-query", `{"cxId":"cx1","patientId":"pt1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp progressResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.RequestID == "" {
		t.Error("expected a request ID")
	}
	if resp.Scheduled {
		t.Error("query should not be parked")
	}
	if len(env.gwClient.Queries()) != 1 {
		t.Fatalf("expected one outbound query, got %d", len(env.gwClient.Queries()))
	}
}

func TestStartDocumentQueryEndpointValidation(t *testing.T) {
	env := newTestEnv()
	e := newHandlerServer(env)

	rec := postJSON(t, e, "/medical/v1/document-query", `{"cxId":"cx1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing patientId, got %d", rec.Code)
	}
}

func TestGetProgressEndpoint(t *testing.T) {
	env := newTestEnv()
	env.links.SetLinks("cx1", "pt1", []string{"1.1"})
	e := newHandlerServer(env)

	postJSON(t, e, "/medical/v1/document-query", `{"cxId":"cx1","patientId":"pt1"}`)

	req := httptest.NewRequest(http.MethodGet, "/medical/v1/document-query/pt1?cxId=cx1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp progressResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	// No discovery results have landed, so neither phase may claim
	// progress yet, let alone completion.
	if resp.Download.Status != string(progress.StatusWaiting) {
		t.Fatalf("expected waiting download phase, got %s", resp.Download.Status)
	}
	if resp.Convert.Status != string(progress.StatusWaiting) {
		t.Fatalf("expected waiting convert phase, got %s", resp.Convert.Status)
	}
}

func TestGetProgressEndpointNotFound(t *testing.T) {
	env := newTestEnv()
	e := newHandlerServer(env)

	req := httptest.NewRequest(http.MethodGet, "/medical/v1/document-query/unknown?cxId=cx1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRetrievalResultsCallback(t *testing.T) {
	env := newTestEnv()
	e := newHandlerServer(env)

	body := `{
		"requestId": "req1",
		"batchId": "1.1",
		"cxId": "cx1",
		"patientId": "pt1",
		"gatewayId": "1.1",
		"documentsReturned": [{"id": "doc1", "contentType": "application/pdf"}],
		"operationOutcomeIssues": [{"severity": "error", "code": "timeout"}]
	}`
	rec := postJSON(t, e, "/internal/document-retrieval/results", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	// The same gateway's redelivery is accepted but deposited only once.
	rec = postJSON(t, e, "/internal/document-retrieval/results", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on redelivery, got %d", rec.Code)
	}
}

func TestRetrievalResultsCallbackValidation(t *testing.T) {
	env := newTestEnv()
	e := newHandlerServer(env)

	rec := postJSON(t, e, "/internal/document-retrieval/results", `{"cxId":"cx1","patientId":"pt1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing requestId/gatewayId, got %d", rec.Code)
	}
}

func TestConversionResultsCallbackStaleRequestAccepted(t *testing.T) {
	env := newTestEnv()
	e := newHandlerServer(env)

	// No progress row exists; a stale or unknown completion is acknowledged
	// so the queue does not redeliver it forever.
	body := `{"requestId":"req-old","cxId":"cx1","patientId":"pt1","jobId":"job1","status":"success"}`
	rec := postJSON(t, e, "/internal/conversion/results", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for stale completion, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDiscoverySettledCallback(t *testing.T) {
	env := newTestEnv()
	env.discovery.SetDiscovering("cx1", "pt1", true)
	env.links.SetLinks("cx1", "pt1", []string{"1.1"})
	e := newHandlerServer(env)

	rec := postJSON(t, e, "/medical/v1/document-query", `{"cxId":"cx1","patientId":"pt1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp progressResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Scheduled {
		t.Fatal("expected the query to be parked while discovery runs")
	}
	if len(env.gwClient.Queries()) != 0 {
		t.Fatal("no outbound query should fire while parked")
	}

	env.discovery.SetDiscovering("cx1", "pt1", false)
	rec = postJSON(t, e, "/internal/patient-discovery/settled", `{"cxId":"cx1","patientId":"pt1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(env.gwClient.Queries()) != 1 {
		t.Fatalf("expected the parked query to replay, got %d queries", len(env.gwClient.Queries()))
	}
}
