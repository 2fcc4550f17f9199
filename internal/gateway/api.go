// ABOUTME: HTTP API handlers for the tenant control surface
// ABOUTME: Session start/stop/status, QR rendering, sending and conversation history

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/skip2/go-qrcode"

	"github.com/2389/coven-inbox/internal/auth"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/docstore"
	"github.com/2389/coven-inbox/internal/orchestrator"
	"github.com/2389/coven-inbox/internal/outbound"
	"github.com/2389/coven-inbox/internal/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultQRSize    = 256
	minQRSize        = 128
	maxQRSize        = 1024
)

// SendMessageRequest is the JSON request body for POST /api/tenants/{tenant}/messages.
type SendMessageRequest struct {
	RemoteContactID string `json:"remote_contact_id"`
	Text            string `json:"text"`
}

// SessionResponse is the JSON response for GET /api/tenants/{tenant}/session.
type SessionResponse struct {
	TenantID string            `json:"tenant_id"`
	Session  *session.Snapshot `json:"session"`
	Document map[string]any    `json:"document"`
}

// ConversationsResponse is the JSON response for GET /api/tenants/{tenant}/conversations.
type ConversationsResponse struct {
	Conversations []conversation.Conversation `json:"conversations"`
}

// MessagesResponse is the JSON response for GET /api/tenants/{tenant}/conversations/{contact}/messages.
type MessagesResponse struct {
	RemoteContactID string                 `json:"remote_contact_id"`
	Messages        []conversation.Message `json:"messages"`
}

// SessionsResponse is the JSON response for GET /api/sessions.
type SessionsResponse struct {
	Sessions []session.Snapshot `json:"sessions"`
}

// registerAPIRoutes registers API routes. Tenant routes require a token for
// that tenant or an admin token when a JWT secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	enabled := g.verifier != nil
	var verifier auth.TokenVerifier
	if enabled {
		verifier = g.verifier
	}
	authMiddleware := auth.HTTPAuthMiddleware(verifier, g.logger)
	tenantMiddleware := auth.RequireTenant(enabled)
	adminMiddleware := auth.RequireAdminHTTP(enabled)

	tenant := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(tenantMiddleware(h))
	}

	mux.Handle("POST /api/tenants/{tenant}/session", tenant(g.handleStartSession))
	mux.Handle("DELETE /api/tenants/{tenant}/session", tenant(g.handleStopSession))
	mux.Handle("GET /api/tenants/{tenant}/session", tenant(g.handleGetSession))
	mux.Handle("GET /api/tenants/{tenant}/session/qr.png", tenant(g.handleSessionQR))
	mux.Handle("POST /api/tenants/{tenant}/messages", tenant(g.handleSendMessage))
	mux.Handle("GET /api/tenants/{tenant}/conversations", tenant(g.handleListConversations))
	mux.Handle("GET /api/tenants/{tenant}/conversations/{contact}/messages", tenant(g.handleListMessages))
	mux.Handle("GET /api/tenants/{tenant}/stream", tenant(g.handleStream))
	mux.Handle("GET /api/sessions", authMiddleware(adminMiddleware(http.HandlerFunc(g.handleListSessions))))

	if enabled {
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
}

// handleStartSession handles POST /api/tenants/{tenant}/session.
func (g *Gateway) handleStartSession(w http.ResponseWriter, r *http.Request) {
	res, err := g.orchestrator.StartSession(r.Context(), r.PathValue("tenant"))
	if err != nil {
		g.sendOrchestratorError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, res)
}

// handleStopSession handles DELETE /api/tenants/{tenant}/session.
func (g *Gateway) handleStopSession(w http.ResponseWriter, r *http.Request) {
	res, err := g.orchestrator.StopSession(r.Context(), r.PathValue("tenant"))
	if err != nil {
		g.sendOrchestratorError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, res)
}

// handleGetSession handles GET /api/tenants/{tenant}/session. It reports the
// live session, if any, next to the persisted session document.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	path, err := docstore.SessionPath(tenantID)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	resp := SessionResponse{TenantID: tenantID}
	if snap, err := g.orchestrator.Session(tenantID); err == nil {
		resp.Session = snap
	}

	doc, err := g.store.Get(r.Context(), path)
	switch {
	case err == nil:
		resp.Document = doc.Fields
	case !errors.Is(err, docstore.ErrNotFound):
		g.logger.Error("failed to read session document", "tenant_id", tenantID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to read session")
		return
	}

	if resp.Session == nil && resp.Document == nil {
		g.sendJSONError(w, http.StatusNotFound, orchestrator.MsgSessionNotFound)
		return
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleSessionQR handles GET /api/tenants/{tenant}/session/qr.png.
func (g *Gateway) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	snap, err := g.orchestrator.Session(r.PathValue("tenant"))
	if err != nil {
		g.sendOrchestratorError(w, err)
		return
	}
	if snap.State != session.StateAwaitingPairing || snap.PairingArtifact == "" {
		g.sendJSONError(w, http.StatusNotFound, "no pairing code available")
		return
	}

	size := defaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minQRSize || n > maxQRSize {
			g.sendJSONError(w, http.StatusBadRequest, "size must be between 128 and 1024")
			return
		}
		size = n
	}

	png, err := qrcode.Encode(snap.PairingArtifact, qrcode.Medium, size)
	if err != nil {
		g.logger.Error("failed to render QR code", "tenant_id", snap.TenantID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to render QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// handleSendMessage handles POST /api/tenants/{tenant}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := g.orchestrator.SendMessage(r.Context(), r.PathValue("tenant"), req.RemoteContactID, req.Text)
	if err != nil {
		g.sendOrchestratorError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, res)
}

// handleListConversations handles GET /api/tenants/{tenant}/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}
	convs, err := g.conversation.ListConversations(r.Context(), r.PathValue("tenant"), limit)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	if convs == nil {
		convs = []conversation.Conversation{}
	}
	g.sendJSON(w, http.StatusOK, ConversationsResponse{Conversations: convs})
}

// handleListMessages handles GET /api/tenants/{tenant}/conversations/{contact}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}
	contact := r.PathValue("contact")
	msgs, err := g.conversation.ListMessages(r.Context(), r.PathValue("tenant"), contact, limit)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	g.sendJSON(w, http.StatusOK, MessagesResponse{RemoteContactID: contact, Messages: msgs})
}

// handleListSessions handles GET /api/sessions (admin only).
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, SessionsResponse{Sessions: g.orchestrator.Sessions()})
}

func (g *Gateway) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return 0, false
	}
	return n, true
}

// sendOrchestratorError maps an orchestrator failure onto a status code,
// keeping its user-visible message.
func (g *Gateway) sendOrchestratorError(w http.ResponseWriter, err error) {
	msg := "internal error"
	var oerr *orchestrator.Error
	if errors.As(err, &oerr) {
		msg = oerr.Message
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidTenant), errors.Is(err, outbound.ErrInvalidMessage), errors.Is(err, docstore.ErrInvalidPath):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotReady):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, outbound.ErrSendFailed), errors.Is(err, session.ErrStartFailed):
		status = http.StatusBadGateway
	case errors.Is(err, outbound.ErrOutcomeUnknown):
		status = http.StatusGatewayTimeout
	}
	g.sendJSONError(w, status, msg)
}

func (g *Gateway) sendStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, docstore.ErrInvalidPath) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid identifier")
		return
	}
	g.logger.Error("store read failed", "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "failed to read conversations")
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
