// ABOUTME: HTTP handlers for the WhatsApp webhook surface and the business API
// ABOUTME: The webhook POST always acknowledges the platform to avoid redelivery storms

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/whats2want/w2w-gateway/internal/router"
	"github.com/whats2want/w2w-gateway/internal/store"
	"github.com/whats2want/w2w-gateway/internal/whatsapp"
)

// webhookObject is the envelope object type the gateway consumes.
const webhookObject = "whatsapp_business_account"

// WebhookResponse is the JSON body returned to the platform for POST
// /whatsapp/webhook. The HTTP status is always 200; retrying a failed
// pipeline would not help and only multiplies deliveries.
type WebhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// handleVerifyWebhook implements the platform's verification handshake:
// echo the challenge when the mode and token match, 403 otherwise.
func (g *Gateway) handleVerifyWebhook(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	mode := params.Get("hub.mode")
	token := params.Get("hub.verify_token")
	challenge := params.Get("hub.challenge")

	g.logger.Info("verifying webhook", "mode", mode)

	if !whatsapp.VerifyToken(mode, token, g.config.WhatsApp.VerifyToken) {
		g.logger.Warn("webhook verification token mismatch")
		http.Error(w, "verification token mismatch", http.StatusForbidden)
		return
	}

	g.logger.Info("webhook verified")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleWebhook receives webhook events and feeds every message and status
// update through the router. The optional business_id query parameter
// scopes the traffic to a tenant.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		g.logger.Error("reading webhook body failed", "error", err)
		g.writeWebhookResponse(w, WebhookResponse{Status: "error", Message: "reading body failed"})
		return
	}

	var event whatsapp.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		g.logger.Error("malformed webhook payload", "error", err)
		g.writeWebhookResponse(w, WebhookResponse{Status: "error", Message: "malformed payload"})
		return
	}

	if event.Object != webhookObject {
		g.logger.Warn("unexpected webhook object, ignoring", "object", event.Object)
		g.writeWebhookResponse(w, WebhookResponse{Status: "success"})
		return
	}

	status := "success"
	for _, entry := range event.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			value := change.Value

			for _, msg := range value.Messages {
				result := g.router.HandleInbound(r.Context(), msg, value.Metadata, value.Contacts, businessID)
				if result.Status == router.StatusError {
					status = "error"
				}
			}

			for _, statusUpdate := range value.Statuses {
				result := g.router.HandleStatusUpdate(r.Context(), statusUpdate)
				if result.Status == router.StatusError {
					status = "error"
				}
			}
		}
	}

	g.writeWebhookResponse(w, WebhookResponse{Status: status})
}

func (g *Gateway) writeWebhookResponse(w http.ResponseWriter, resp WebhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Error("writing webhook response failed", "error", err)
	}
}

// CreateBusinessRequest is the JSON request body for POST /api/businesses.
type CreateBusinessRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	BusinessType string `json:"business_type,omitempty"`
	Address      string `json:"address,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
	Website      string `json:"website,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// BusinessResponse is the JSON representation of a business record.
type BusinessResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	BusinessType string `json:"business_type,omitempty"`
	Address      string `json:"address,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
	Website      string `json:"website,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"created_at"`
}

func toBusinessResponse(b *store.Business) BusinessResponse {
	return BusinessResponse{
		ID:           b.ID,
		Name:         b.Name,
		Description:  b.Description,
		BusinessType: b.BusinessType,
		Address:      b.Address,
		Phone:        b.Phone,
		Email:        b.Email,
		Website:      b.Website,
		SystemPrompt: b.SystemPrompt,
		Active:       b.Active,
		CreatedAt:    b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleCreateBusiness registers a new business tenant.
func (g *Gateway) handleCreateBusiness(w http.ResponseWriter, r *http.Request) {
	var req CreateBusinessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	now := time.Now()
	business := &store.Business{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Description:  req.Description,
		BusinessType: req.BusinessType,
		Address:      req.Address,
		Phone:        req.Phone,
		Email:        req.Email,
		Website:      req.Website,
		SystemPrompt: req.SystemPrompt,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := g.store.CreateBusiness(r.Context(), business); err != nil {
		g.logger.Error("creating business failed", "error", err)
		http.Error(w, "creating business failed", http.StatusInternalServerError)
		return
	}

	g.logger.Info("business created", "id", business.ID, "name", business.Name)
	writeJSON(w, http.StatusCreated, toBusinessResponse(business))
}

// handleGetBusiness returns one business by id.
func (g *Gateway) handleGetBusiness(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	business, err := g.store.GetBusiness(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "business not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.logger.Error("getting business failed", "error", err, "id", id)
		http.Error(w, "getting business failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toBusinessResponse(business))
}

// handleListBusinesses returns all active businesses.
func (g *Gateway) handleListBusinesses(w http.ResponseWriter, r *http.Request) {
	businesses, err := g.store.ListBusinesses(r.Context(), true)
	if err != nil {
		g.logger.Error("listing businesses failed", "error", err)
		http.Error(w, "listing businesses failed", http.StatusInternalServerError)
		return
	}

	resp := make([]BusinessResponse, 0, len(businesses))
	for _, b := range businesses {
		resp = append(resp, toBusinessResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
