package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tullo/moderation/internal/auth"
	"github.com/tullo/moderation/internal/models"
)

// Handler upgrades reviewer connections onto the live review feed
type Handler struct {
	hub            *Hub
	jwtService     *auth.JWTService
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. An empty allowedOrigins accepts any origin.
func NewHandler(hub *Hub, jwtService *auth.JWTService, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:            hub,
		jwtService:     jwtService,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, pattern := range h.allowedOrigins {
		if matchOrigin(pattern, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket authenticates the reviewer from ?token= and upgrades the connection
func (h *Handler) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token required"})
		return
	}

	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}
	if claims.Role != models.RoleModerator && claims.Role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient role"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("failed to upgrade connection", "err", err)
		return
	}

	client := NewClient(h.hub, conn, claims.UserID, claims.Email)
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		// shutting down
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// GetOnlineReviewers lists reviewers currently watching the feed
func (h *Handler) GetOnlineReviewers(c *gin.Context) {
	sessions := h.hub.OnlineReviewers()
	c.JSON(http.StatusOK, gin.H{
		"online_reviewers": sessions,
		"count":            len(sessions),
	})
}

// matchOrigin supports exact matches or wildcard patterns like *.example.com
func matchOrigin(pattern, origin string) bool {
	if pattern == "*" || pattern == origin {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		originHost := origin
		if u, err := url.Parse(origin); err == nil && u.Hostname() != "" {
			originHost = u.Hostname()
		}
		return strings.HasSuffix(originHost, pattern[1:])
	}
	return false
}
