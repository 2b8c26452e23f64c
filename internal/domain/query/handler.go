package query

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hie/gateway/internal/domain/document"
	"github.com/hie/gateway/internal/domain/progress"
)

type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes mounts the owning-application API on api and the async
// gateway/conversion callback endpoints on callbacks. The callbacks
// group is expected to carry the callback-token middleware.
func (h *Handler) RegisterRoutes(api *echo.Group, callbacks *echo.Group) {
	api.POST("/document-query", h.StartDocumentQuery)
	api.GET("/document-query/:patientId", h.GetProgress)

	callbacks.POST("/document-query/results", h.DiscoveryResults)
	callbacks.POST("/document-retrieval/results", h.RetrievalResults)
	callbacks.POST("/conversion/results", h.ConversionResults)
	callbacks.POST("/patient-discovery/settled", h.DiscoverySettled)
}

// -- Request/response payloads --

type startQueryRequest struct {
	CxID      string `json:"cxId"`
	PatientID string `json:"patientId"`
	Source    string `json:"source"`
}

type phaseResponse struct {
	Total      int    `json:"total"`
	Successful int    `json:"successful"`
	Errors     int    `json:"errors"`
	Status     string `json:"status"`
}

type progressResponse struct {
	RequestID string        `json:"requestId"`
	Scheduled bool          `json:"scheduled,omitempty"`
	Download  phaseResponse `json:"download"`
	Convert   phaseResponse `json:"convert"`
}

func toProgressResponse(p *progress.Progress, scheduled bool) progressResponse {
	resp := progressResponse{Scheduled: scheduled}
	if p == nil {
		resp.Download.Status = string(progress.StatusNotStarted)
		resp.Convert.Status = string(progress.StatusNotStarted)
		return resp
	}
	resp.RequestID = p.RequestID
	resp.Download = toPhaseResponse(p.Download, p.PhaseStatus(progress.PhaseDownload))
	resp.Convert = toPhaseResponse(p.Convert, p.PhaseStatus(progress.PhaseConvert))
	return resp
}

func toPhaseResponse(t progress.Tally, s progress.Status) phaseResponse {
	return phaseResponse{
		Total:      t.Total,
		Successful: t.Successful,
		Errors:     t.Errors,
		Status:     string(s),
	}
}

type returnedDocument struct {
	ID              string `json:"id"`
	ExternalID      string `json:"externalId"`
	HomeCommunityID string `json:"homeCommunityId"`
	ContentType     string `json:"contentType"`
	Size            int64  `json:"size"`
	URL             string `json:"url"`
	Description     string `json:"description"`
	IsNew           bool   `json:"isNew"`
}

type discoveryResultsRequest struct {
	RequestID string      `json:"requestId"`
	CxID      string      `json:"cxId"`
	PatientID string      `json:"patientId"`
	Source    string      `json:"source"`
	Documents []Candidate `json:"documents"`
}

type retrievalResultsRequest struct {
	RequestID string             `json:"requestId"`
	BatchID   string             `json:"batchId"`
	CxID      string             `json:"cxId"`
	PatientID string             `json:"patientId"`
	Source    string             `json:"source"`
	GatewayID string             `json:"gatewayId"`
	Documents []returnedDocument `json:"documentsReturned"`
	Issues    []OutcomeIssue     `json:"operationOutcomeIssues"`
}

type conversionResultRequest struct {
	RequestID string `json:"requestId"`
	CxID      string `json:"cxId"`
	PatientID string `json:"patientId"`
	Source    string `json:"source"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
}

type discoverySettledRequest struct {
	CxID      string `json:"cxId"`
	PatientID string `json:"patientId"`
}

func progressKey(cxID, patientID, source string) (progress.Key, error) {
	if cxID == "" || patientID == "" {
		return progress.Key{}, errors.New("cxId and patientId are required")
	}
	src := document.Source(source)
	if src == "" {
		src = document.SourceCarequality
	}
	return progress.Key{CxID: cxID, PatientID: patientID, Source: src}, nil
}

// -- Handlers --

func (h *Handler) StartDocumentQuery(c echo.Context) error {
	var req startQueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key, err := progressKey(req.CxID, req.PatientID, req.Source)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, scheduled, err := h.orch.StartDocumentQuery(c.Request().Context(), key)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toProgressResponse(p, scheduled))
}

func (h *Handler) GetProgress(c echo.Context) error {
	key, err := progressKey(c.QueryParam("cxId"), c.Param("patientId"), c.QueryParam("source"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.orch.GetProgress(c.Request().Context(), key)
	if errors.Is(err, progress.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no document query for patient")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toProgressResponse(p, false))
}

func (h *Handler) DiscoveryResults(c echo.Context) error {
	var req discoveryResultsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key, err := progressKey(req.CxID, req.PatientID, req.Source)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.orch.HandleDiscoveryResults(c.Request().Context(), key, req.RequestID, req.Documents); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) RetrievalResults(c echo.Context) error {
	var req retrievalResultsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key, err := progressKey(req.CxID, req.PatientID, req.Source)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.GatewayID == "" || req.RequestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "requestId and gatewayId are required")
	}

	// batchId is echoed from the outbound batch. Results without one can
	// only be correlated per gateway, which is ambiguous for a gateway
	// that received several batches.
	result := GatewayResult{
		RequestID: req.RequestID,
		BatchID:   req.BatchID,
		GatewayID: req.GatewayID,
		Issues:    req.Issues,
	}
	for _, d := range req.Documents {
		result.Documents = append(result.Documents, document.Reference{
			ID:              d.ID,
			ExternalID:      d.ExternalID,
			CxID:            key.CxID,
			PatientID:       key.PatientID,
			Source:          key.Source,
			HomeCommunityID: d.HomeCommunityID,
			ContentType:     d.ContentType,
			Size:            d.Size,
			URL:             d.URL,
			Description:     d.Description,
			IsNew:           d.IsNew,
		})
	}
	h.orch.HandleRetrievalResult(result)
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) ConversionResults(c echo.Context) error {
	var req conversionResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key, err := progressKey(req.CxID, req.PatientID, req.Source)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.JobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "jobId is required")
	}
	succeeded := req.Status == "success"
	if err := h.orch.HandleConversionResult(c.Request().Context(), key, req.RequestID, req.JobID, succeeded); err != nil {
		if errors.Is(err, progress.ErrStaleRequest) || errors.Is(err, progress.ErrNotFound) {
			return c.NoContent(http.StatusAccepted)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) DiscoverySettled(c echo.Context) error {
	var req discoverySettledRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.CxID == "" || req.PatientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cxId and patientId are required")
	}
	if err := h.orch.HandleDiscoverySettled(c.Request().Context(), req.CxID, req.PatientID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}
