package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/wsconn"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "gravity_session_claims"
	allOrigins       = "*"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingRecords          = errors.New("records dependency required")
	errMissingDocumentHost     = errors.New("document host dependency required")
	errMissingWhiteboardHub    = errors.New("whiteboard hub dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Records is the read side of the relational store.
type Records interface {
	FindNote(ctx context.Context, noteID string) (store.Note, bool, error)
	FindView(ctx context.Context, viewID string) (store.View, bool, error)
	ListViewObjects(ctx context.Context, viewID string) ([]store.ViewObject, error)
}

// DocumentHost serves generic document rooms.
type DocumentHost interface {
	Serve(ctx context.Context, conn wsconn.Conn, rawName string, session collab.Session) error
}

// WhiteboardHub serves whiteboard rooms.
type WhiteboardHub interface {
	Serve(ctx context.Context, conn wsconn.Conn, viewID, userID string, readOnly bool) error
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Sessions       SessionValidator
	Records        Records
	Host           DocumentHost
	Whiteboards    WhiteboardHub
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving REST reads and websocket rooms.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Records == nil {
		return nil, errMissingRecords
	}
	if deps.Host == nil {
		return nil, errMissingDocumentHost
	}
	if deps.Whiteboards == nil {
		return nil, errMissingWhiteboardHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:       deps.Sessions,
		records:        deps.Records,
		host:           deps.Host,
		whiteboards:    deps.Whiteboards,
		originPatterns: websocketOriginPatterns(deps.AllowedOrigins),
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws/public/views/:viewId", handler.handleWhiteboardSocket(true))
	router.GET("/ws/public/collab/:room", handler.handleDocumentSocket(true))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/api/notes/:noteId", handler.handleGetNote)
	protected.GET("/api/views/:viewId", handler.handleGetView)
	protected.GET("/api/views/:viewId/objects", handler.handleListViewObjects)
	protected.GET("/ws/views/:viewId", handler.handleWhiteboardSocket(false))
	protected.GET("/ws/collab/:room", handler.handleDocumentSocket(false))

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = []string{allOrigins}
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	})
}

// websocketOriginPatterns converts CORS origins into the host patterns the websocket handshake
// checks.
func websocketOriginPatterns(allowedOrigins []string) []string {
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		return nil
	}
	patterns := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host == "" {
			patterns = append(patterns, origin)
			continue
		}
		patterns = append(patterns, parsed.Host)
	}
	return patterns
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.TrimSpace(origin) == allOrigins {
			return true
		}
	}
	return false
}

type httpHandler struct {
	sessions       SessionValidator
	records        Records
	host           DocumentHost
	whiteboards    WhiteboardHub
	originPatterns []string
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	note, found, err := h.records.FindNote(c.Request.Context(), c.Param("noteId"))
	if !h.writeLookupFailure(c, found, err) {
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *httpHandler) handleGetView(c *gin.Context) {
	view, found, err := h.records.FindView(c.Request.Context(), c.Param("viewId"))
	if !h.writeLookupFailure(c, found, err) {
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleListViewObjects(c *gin.Context) {
	viewID := c.Param("viewId")
	_, found, err := h.records.FindView(c.Request.Context(), viewID)
	if !h.writeLookupFailure(c, found, err) {
		return
	}
	objects, err := h.records.ListViewObjects(c.Request.Context(), viewID)
	if err != nil {
		h.logger.Error("failed to list view objects", zap.String("view_id", viewID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if objects == nil {
		objects = []store.ViewObject{}
	}
	c.JSON(http.StatusOK, objects)
}

// writeLookupFailure answers a failed or empty lookup and reports whether the caller may continue.
func (h *httpHandler) writeLookupFailure(c *gin.Context, found bool, err error) bool {
	switch {
	case errors.Is(err, store.ErrInvalidNoteID), errors.Is(err, store.ErrInvalidViewID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return false
	case err != nil:
		h.logger.Error("record lookup failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return false
	case !found:
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return false
	}
	return true
}

func (h *httpHandler) handleWhiteboardSocket(readOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		viewID := strings.TrimSpace(c.Param("viewId"))
		if viewID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
			return
		}
		if readOnly && !h.requirePublicView(c, viewID) {
			return
		}
		userID := actorFromContext(c)
		conn, err := wsconn.Accept(upgradeWriter(c), c.Request, h.originPatterns)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.String("view_id", viewID), zap.Error(err))
			return
		}
		if err := h.whiteboards.Serve(c.Request.Context(), conn, viewID, userID, readOnly); err != nil {
			h.logger.Warn("whiteboard session ended", zap.String("view_id", viewID), zap.Error(err))
		}
	}
}

func (h *httpHandler) handleDocumentSocket(readOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		room := strings.TrimSpace(c.Param("room"))
		if room == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room"})
			return
		}
		if readOnly && !h.requirePublicRoom(c, collab.ParseRoomName(room)) {
			return
		}
		session := collab.Session{UserID: actorFromContext(c), ReadOnly: readOnly}
		conn, err := wsconn.Accept(upgradeWriter(c), c.Request, h.originPatterns)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.String("room", room), zap.Error(err))
			return
		}
		if err := h.host.Serve(c.Request.Context(), conn, room, session); err != nil {
			h.logger.Warn("document session ended", zap.String("room", room), zap.Error(err))
		}
	}
}

// requirePublicView answers the request unless the view exists and is public.
func (h *httpHandler) requirePublicView(c *gin.Context, viewID string) bool {
	view, found, err := h.records.FindView(c.Request.Context(), viewID)
	if !h.writeLookupFailure(c, found, err) {
		return false
	}
	return requireVisibility(c, view.Visibility)
}

func (h *httpHandler) requirePublicRoom(c *gin.Context, name collab.RoomName) bool {
	switch name.Kind {
	case collab.KindNote:
		note, found, err := h.records.FindNote(c.Request.Context(), name.ID)
		if !h.writeLookupFailure(c, found, err) {
			return false
		}
		return requireVisibility(c, note.Visibility)
	case collab.KindWhiteboard, collab.KindSpreadsheet:
		return h.requirePublicView(c, name.ID)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return false
	}
}

func requireVisibility(c *gin.Context, visibility string) bool {
	if visibility != store.VisibilityPublic {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

// hijackWriter writes the handshake status on the underlying writer and hijacks through gin, so
// gin never marks the response written before the hijack.
type hijackWriter struct {
	http.ResponseWriter
	hijacker http.Hijacker
}

func (w hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.hijacker.Hijack()
}

func upgradeWriter(c *gin.Context) http.ResponseWriter {
	unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter })
	if !ok {
		return c.Writer
	}
	return hijackWriter{ResponseWriter: unwrapper.Unwrap(), hijacker: c.Writer}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func actorFromContext(c *gin.Context) string {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return ""
	}
	claims, ok := value.(auth.SessionClaims)
	if !ok {
		return ""
	}
	return claims.Actor()
}
