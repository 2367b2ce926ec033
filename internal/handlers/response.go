package handlers

import (
	"encoding/json"
	"errors"

	"github.com/nimasrn/campaign-gateway/internal/services"
	xhttp "github.com/nimasrn/campaign-gateway/pkg/http"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string, details ...string) {
	resp := errorResponse{Error: msg}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	writeJSON(ctx, status, resp)
}

// writeServiceError maps service errors onto status codes.
func writeServiceError(ctx *xhttp.RequestCtx, action string, err error) {
	switch {
	case errors.Is(err, services.ErrCampaignNotFound):
		writeError(ctx, fasthttp.StatusNotFound, "Campaign not found")
	case errors.Is(err, services.ErrEmptyRecipients):
		writeError(ctx, fasthttp.StatusBadRequest, "No contacts provided", err.Error())
	case errors.Is(err, services.ErrContactLookup):
		writeError(ctx, fasthttp.StatusBadRequest, "Failed to fetch contacts", err.Error())
	case errors.Is(err, services.ErrCampaignNotActive):
		writeError(ctx, fasthttp.StatusBadRequest, "Campaign is not active", err.Error())
	case errors.Is(err, services.ErrCampaignClosed):
		writeError(ctx, fasthttp.StatusBadRequest, "Campaign cannot be started", err.Error())
	default:
		logger.Error("request failed", "action", action, "error", err)
		writeError(ctx, fasthttp.StatusInternalServerError, "Failed to "+action, err.Error())
	}
}

func pathParam(ctx *xhttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}
