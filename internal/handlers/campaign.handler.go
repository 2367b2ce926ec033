package handlers

import (
	"context"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/internal/services"
	xhttp "github.com/nimasrn/campaign-gateway/pkg/http"
	"github.com/valyala/fasthttp"
)

type CampaignService interface {
	StartCampaign(ctx context.Context, campaignID string, contactIDs []string) (*services.StartResult, error)
	Status(ctx context.Context, campaignID string, exact bool) (*model.Campaign, error)
	MessageBreakdown(ctx context.Context, campaignID string) (map[model.MessageStatus]int64, error)
	ProcessNewContacts(ctx context.Context, campaignID string, contactIDs []string) (*services.NewContactsResult, error)
	ProcessPending(ctx context.Context, limit int) (int, error)
}

type CampaignHandler struct {
	svc CampaignService
}

func RegisterCampaignRoutes(g *router.Group, h *CampaignHandler) {
	g.POST("/campaigns/{id}/start", h.StartCampaign)
	g.GET("/campaigns/{id}/status", h.GetStatus)
	g.POST("/campaigns/{id}/process-new-contacts", h.ProcessNewContacts)
	g.POST("/process-pending-sms", h.ProcessPending)
}

func NewCampaignHandler(svc CampaignService) *CampaignHandler {
	return &CampaignHandler{svc: svc}
}

type startResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	CampaignID   string `json:"campaignId"`
	PatientCount int    `json:"patientCount"`
}

type statusResponse struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Status          model.CampaignStatus `json:"status"`
	SentCount       int64                `json:"sentCount"`
	FailedCount     int64                `json:"failedCount"`
	TotalRecipients int64                `json:"totalRecipients"`

	Messages map[model.MessageStatus]int64 `json:"messages,omitempty"`
}

type newContactsResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	CampaignID        string `json:"campaignId"`
	ProcessedContacts int    `json:"processedContacts"`
	SMSJobsAdded      int    `json:"smsJobsAdded"`
}

type pendingResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

func (h *CampaignHandler) StartCampaign(ctx *xhttp.RequestCtx) {
	var req model.RecipientList
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	res, err := h.svc.StartCampaign(ctx, pathParam(ctx, "id"), req.IDs())
	if err != nil {
		writeServiceError(ctx, "start campaign", err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, startResponse{
		Success:      true,
		Message:      "Campaign started successfully",
		CampaignID:   res.CampaignID,
		PatientCount: res.ContactCount,
	})
}

func (h *CampaignHandler) GetStatus(ctx *xhttp.RequestCtx) {
	exact, _ := strconv.ParseBool(query(ctx, "exact"))

	c, err := h.svc.Status(ctx, pathParam(ctx, "id"), exact)
	if err != nil {
		writeServiceError(ctx, "get campaign status", err)
		return
	}

	resp := statusResponse{
		ID:              c.ID,
		Name:            c.Name,
		Status:          c.Status,
		SentCount:       c.SentCount,
		FailedCount:     c.FailedCount,
		TotalRecipients: c.TotalRecipients,
	}
	if exact {
		resp.Messages, err = h.svc.MessageBreakdown(ctx, c.ID)
		if err != nil {
			writeServiceError(ctx, "get campaign status", err)
			return
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (h *CampaignHandler) ProcessNewContacts(ctx *xhttp.RequestCtx) {
	var req model.RecipientList
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	res, err := h.svc.ProcessNewContacts(ctx, pathParam(ctx, "id"), req.IDs())
	if err != nil {
		writeServiceError(ctx, "process new contacts", err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, newContactsResponse{
		Success:           true,
		Message:           "Processed " + strconv.Itoa(res.ProcessedContacts) + " new contacts",
		CampaignID:        res.CampaignID,
		ProcessedContacts: res.ProcessedContacts,
		SMSJobsAdded:      res.SMSJobsAdded,
	})
}

func (h *CampaignHandler) ProcessPending(ctx *xhttp.RequestCtx) {
	limit := 0
	if v := query(ctx, "limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(ctx, fasthttp.StatusBadRequest, "Invalid limit", v)
			return
		}
		limit = n
	}

	n, err := h.svc.ProcessPending(ctx, limit)
	if err != nil {
		writeServiceError(ctx, "process pending messages", err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, pendingResponse{
		Success: true,
		Message: "Re-queued " + strconv.Itoa(n) + " pending messages",
		Count:   n,
	})
}
