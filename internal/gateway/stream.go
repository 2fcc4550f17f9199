// ABOUTME: Websocket stream of a tenant's document changes for live UIs
// ABOUTME: Forwards session, conversation and message writes as JSON frames

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-inbox/internal/docstore"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPongWait     = 60 * time.Second
	streamPingInterval = 25 * time.Second
)

// StreamEvent is one websocket frame.
type StreamEvent struct {
	Kind      string          `json:"kind"` // "set" or "append"
	Path      string          `json:"path"`
	ID        string          `json:"id"`
	Fields    docstore.Fields `json:"fields"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Tokens travel in the Authorization header or the access_token query
// parameter, never in cookies, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream handles GET /api/tenants/{tenant}/stream.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	prefix, err := docstore.TenantPrefix(tenantID)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	ctx, cancel := context.WithCancel(g.streamCtx)
	defer cancel()

	// Subscribe before the handshake completes so a client sees every write
	// made after its dial returns.
	changes, subID := g.store.Subscribe(ctx, prefix)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "tenant_id", tenantID, "error", err)
		return
	}
	defer conn.Close()

	g.logger.Info("stream client connected", "tenant_id", tenantID, "subscription_id", subID)
	defer g.logger.Info("stream client disconnected", "tenant_id", tenantID, "subscription_id", subID)

	// The read loop only services control frames; it ends the stream when
	// the client goes away.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					g.logger.Debug("websocket read error", "tenant_id", tenantID, "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case change, ok := <-changes:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(toStreamEvent(change)); err != nil {
				g.logger.Debug("websocket write failed", "tenant_id", tenantID, "error", err)
				return
			}
		}
	}
}

func toStreamEvent(change docstore.Change) StreamEvent {
	evt := StreamEvent{Kind: string(change.Kind)}
	if d := change.Document; d != nil {
		evt.Path = d.Path
		evt.ID = d.ID
		evt.Fields = d.Fields
		evt.UpdatedAt = d.UpdatedAt
	}
	return evt
}
