// Package admin serves the operator HTTP surface: room moderation, the ban
// registry, the player roster, the observer WebSocket, metrics, and health.
// Admin endpoints and the roster sit behind a shared-secret header; the
// observer socket and health probes are public.
package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phira-community/phira-mp-server/internal/ban"
	"github.com/phira-community/phira-mp-server/internal/logging"
	"github.com/phira-community/phira-mp-server/internal/observer"
	"github.com/phira-community/phira-mp-server/internal/protocol"
	"github.com/phira-community/phira-mp-server/internal/room"
	"github.com/phira-community/phira-mp-server/internal/session"
)

const tokenHeader = "X-Admin-Token"

// Router builds the admin/observer HTTP handler.
type Router struct {
	rooms          *room.Registry
	table          *session.Table
	bans           *ban.Registry
	hub            *observer.Hub
	audit          *logging.Audit
	token          string
	allowedOrigins []string
}

// New wires the HTTP surface. An empty token disables every mutating
// endpoint.
func New(rooms *room.Registry, table *session.Table, bans *ban.Registry, hub *observer.Hub, audit *logging.Audit, token string, allowedOrigins []string) *Router {
	return &Router{
		rooms:          rooms,
		table:          table,
		bans:           bans,
		hub:            hub,
		audit:          audit,
		token:          token,
		allowedOrigins: allowedOrigins,
	}
}

// Handler assembles the gin engine.
func (rt *Router) Handler() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(rt.allowedOrigins) > 0 {
		corsCfg.AllowOrigins = rt.allowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, tokenHeader)
	engine.Use(cors.New(corsCfg))

	engine.GET("/healthz", rt.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws/observer", gin.WrapH(rt.hub))
	engine.GET("/api/all-players", rt.requireToken, rt.allPlayers)

	adminGroup := engine.Group("/api/admin", rt.requireToken)
	{
		adminGroup.GET("/check-auth", rt.checkAuth)
		adminGroup.POST("/server-message", rt.serverMessage)
		adminGroup.POST("/kick-player", rt.kickPlayer)
		adminGroup.POST("/force-start", rt.forceStart)
		adminGroup.POST("/toggle-lock", rt.toggleLock)
		adminGroup.POST("/toggle-mode", rt.toggleMode)
		adminGroup.POST("/set-max-players", rt.setMaxPlayers)
		adminGroup.POST("/close-room", rt.closeRoom)
		adminGroup.GET("/room-blacklist", rt.roomBlacklist)
		adminGroup.POST("/set-room-blacklist", rt.setRoomBlacklist)
		adminGroup.GET("/room-whitelist", rt.roomWhitelist)
		adminGroup.POST("/set-room-whitelist", rt.setRoomWhitelist)
		adminGroup.GET("/bans", rt.listBans)
		adminGroup.POST("/ban", rt.addBan)
		adminGroup.POST("/unban", rt.removeBan)
	}

	return engine
}

// requireToken gates mutating endpoints with a constant-time header check.
func (rt *Router) requireToken(c *gin.Context) {
	if rt.token == "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin interface disabled: no token configured"})
		return
	}
	supplied := c.GetHeader(tokenHeader)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(rt.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid admin token"})
		return
	}
	c.Next()
}

func (rt *Router) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (rt *Router) checkAuth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (rt *Router) allPlayers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"players": rt.table.Roster()})
}

// lookupRoom resolves roomId or writes the 404.
func (rt *Router) lookupRoom(c *gin.Context, roomID string) (*room.Room, bool) {
	r, ok := rt.rooms.Lookup(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return nil, false
	}
	return r, true
}

// respond maps a room operation result onto HTTP.
func respond(c *gin.Context, err error, body gin.H) {
	if err == nil {
		if body == nil {
			body = gin.H{"ok": true}
		}
		c.JSON(http.StatusOK, body)
		return
	}
	var de *protocol.DomainError
	if errors.As(err, &de) {
		status := http.StatusConflict
		switch de.Code {
		case protocol.CodeRoomNotFound, protocol.CodeNotInRoom:
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": de.Message, "code": uint16(de.Code)})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (rt *Router) serverMessage(c *gin.Context) {
	var req struct {
		Text   string `json:"text" binding:"required"`
		RoomID string `json:"roomId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt.audit.Command("server-message room=%q text=%q", req.RoomID, req.Text)

	if req.RoomID != "" {
		r, ok := rt.lookupRoom(c, req.RoomID)
		if !ok {
			return
		}
		respond(c, r.ServerMessage(c.Request.Context(), req.Text), nil)
		return
	}
	rt.table.Broadcast(protocol.ServerMessage{Text: req.Text})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (rt *Router) kickPlayer(c *gin.Context) {
	var req struct {
		UserID int32  `json:"userId" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "kicked by an administrator"
	}
	rt.audit.Command("kick-player user=%d reason=%q", req.UserID, req.Reason)

	if r, ok := rt.rooms.ByUser(req.UserID); ok {
		respond(c, r.Kick(c.Request.Context(), req.UserID, req.Reason), nil)
		return
	}
	// Not in a room; terminate the session directly.
	if s, ok := rt.table.ByUser(req.UserID); ok {
		s.Terminate(protocol.Kicked{Code: protocol.CodeUnauthorized, Reason: req.Reason}, req.Reason)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "player not connected"})
}

type roomRequest struct {
	RoomID string `json:"roomId" binding:"required"`
}

func (rt *Router) forceStart(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt.audit.Command("force-start room=%s", req.RoomID)
	r, ok := rt.lookupRoom(c, req.RoomID)
	if !ok {
		return
	}
	respond(c, r.ForceStart(c.Request.Context()), nil)
}

func (rt *Router) toggleLock(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, ok := rt.lookupRoom(c, req.RoomID)
	if !ok {
		return
	}
	locked, err := r.ToggleLock(c.Request.Context())
	rt.audit.Command("toggle-lock room=%s locked=%v", req.RoomID, locked)
	respond(c, err, gin.H{"ok": true, "locked": locked})
}

func (rt *Router) toggleMode(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, ok := rt.lookupRoom(c, req.RoomID)
	if !ok {
		return
	}
	cycle, err := r.ToggleCycle(c.Request.Context())
	rt.audit.Command("toggle-mode room=%s cycle=%v", req.RoomID, cycle)
	respond(c, err, gin.H{"ok": true, "cycle": cycle})
}

func (rt *Router) setMaxPlayers(c *gin.Context) {
	var req struct {
		RoomID     string `json:"roomId" binding:"required"`
		MaxPlayers uint8  `json:"maxPlayers" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt.audit.Command("set-max-players room=%s max=%d", req.RoomID, req.MaxPlayers)
	r, ok := rt.lookupRoom(c, req.RoomID)
	if !ok {
		return
	}
	respond(c, r.SetCapacity(c.Request.Context(), req.MaxPlayers), nil)
}

func (rt *Router) closeRoom(c *gin.Context) {
	var req struct {
		RoomID string `json:"roomId" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "room closed by an administrator"
	}
	rt.audit.Command("close-room room=%s reason=%q", req.RoomID, req.Reason)
	r, ok := rt.lookupRoom(c, req.RoomID)
	if !ok {
		return
	}
	respond(c, r.Close(c.Request.Context(), req.Reason), nil)
}

func (rt *Router) roomBlacklist(c *gin.Context) {
	r, ok := rt.lookupRoom(c, c.Query("roomId"))
	if !ok {
		return
	}
	ids, err := r.Blacklist(c.Request.Context())
	respond(c, err, gin.H{"userIds": ids})
}

func (rt *Router) setRoomBlacklist(c *gin.Context) {
	var req struct {
		RoomID  string  `json:"roomId" binding:"required"`
		UserIDs []int32 `json:"userIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt.audit.Command("set-room-blacklist room=%s ids=%v", req.RoomID, req.UserIDs)
	r, ok := rt.lookupRoom(c, req.RoomID)
	if !ok {
		return
	}
	respond(c, r.SetBlacklist(c.Request.Context(), req.UserIDs), nil)
}

func (rt *Router) roomWhitelist(c *gin.Context) {
	r, ok := rt.lookupRoom(c, c.Query("roomId"))
	if !ok {
		return
	}
	ids, err := r.Whitelist(c.Request.Context())
	respond(c, err, gin.H{"userIds": ids})
}

func (rt *Router) setRoomWhitelist(c *gin.Context) {
	var req struct {
		RoomID  string  `json:"roomId" binding:"required"`
		UserIDs []int32 `json:"userIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt.audit.Command("set-room-whitelist room=%s ids=%v", req.RoomID, req.UserIDs)
	r, ok := rt.lookupRoom(c, req.RoomID)
	if !ok {
		return
	}
	respond(c, r.SetWhitelist(c.Request.Context(), req.UserIDs), nil)
}

func (rt *Router) listBans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"bans": rt.bans.List()})
}

func (rt *Router) addBan(c *gin.Context) {
	var req struct {
		Kind      string     `json:"kind" binding:"required,oneof=userId ip"`
		Target    string     `json:"target" binding:"required"`
		Reason    string     `json:"reason"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt.audit.Command("ban kind=%s target=%s reason=%q", req.Kind, req.Target, req.Reason)
	rt.bans.Add(ban.Entry{
		Kind:      ban.Kind(req.Kind),
		Target:    req.Target,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (rt *Router) removeBan(c *gin.Context) {
	var req struct {
		Kind   string `json:"kind" binding:"required,oneof=userId ip"`
		Target string `json:"target" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt.audit.Command("unban kind=%s target=%s", req.Kind, req.Target)
	rt.bans.Remove(ban.Kind(req.Kind), req.Target)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
