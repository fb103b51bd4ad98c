package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/nimbuschat/feedsync/internal/auth"
	"github.com/nimbuschat/feedsync/internal/feed"
	"github.com/nimbuschat/feedsync/internal/live"
	"github.com/nimbuschat/feedsync/internal/store"
)

const userIDContextKey = "feedsync_user_id"

var (
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingStoreService     = errors.New("store service dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	TokenManager     SessionTokenManager
	SessionValidator *auth.SessionValidator
	StoreService     *store.Service
	Dispatcher       *RealtimeDispatcher
	Logger           *zap.Logger
}

// NewHTTPHandler builds the feed API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.StoreService == nil {
		return nil, errMissingStoreService
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		sessions:   deps.SessionValidator,
		store:      deps.StoreService,
		dispatcher: dispatcher,
		logger:     logger,
	}

	router.POST("/auth/session", handler.handleIssueSession)

	// Push authenticates inside the handler: browser websocket clients
	// cannot set an Authorization header, so the token may arrive as a
	// query parameter instead.
	router.GET("/push", handler.handlePush)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/feed/:scope/page", handler.handleFeedPage)
	protected.POST("/chats/:id/messages", handler.handleSendMessage)
	protected.POST("/chats/:id/read", handler.handleMarkRead)
	protected.DELETE("/chats/:id", handler.handleDeleteChat)
	protected.POST("/chats/:id/open", handler.handleOpenChat)
	protected.POST("/notifications", handler.handleCreateNotification)
	protected.POST("/notifications/:id/resolve", handler.handleResolveNotification)

	return router, nil
}

type httpHandler struct {
	tokens     SessionTokenManager
	sessions   *auth.SessionValidator
	store      *store.Service
	dispatcher *RealtimeDispatcher
	logger     *zap.Logger
}

type sessionRequestPayload struct {
	UserID string `json:"user_id"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), strings.TrimSpace(request.UserID))
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "token_issue_failed", "could not issue session token")
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type pagePayload struct {
	Items     []feed.Item `json:"items"`
	Page      int         `json:"page"`
	PageSize  int         `json:"page_size"`
	PageCount int         `json:"page_count"`
}

func (h *httpHandler) handleFeedPage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	scope, err := feed.NewScopeKey(c.Param("scope"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	}

	page := intQuery(c, "page", 1)
	pageSize := intQuery(c, "page_size", 20)
	exclude := c.QueryArray("exclude")

	filters := map[string]string{}
	for _, key := range []string{"sender", "state", "kind"} {
		if value := c.Query(key); value != "" {
			filters[key] = value
		}
	}
	if rawKind, ok := filters["kind"]; ok {
		kind, err := feed.ParseKind(rawKind)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_kind", err.Error())
			return
		}
		filters["kind"] = string(kind)
	}

	result, err := h.store.FetchPage(c.Request.Context(), userID, scope.String(), page, pageSize, exclude, filters)
	if err != nil {
		h.respondStoreError(c, "fetch page failed", err)
		return
	}
	items := result.Items
	if items == nil {
		items = []feed.Item{}
	}
	c.JSON(http.StatusOK, pagePayload{
		Items:     items,
		Page:      result.Page,
		PageSize:  result.PageSize,
		PageCount: result.PageCount,
	})
}

type sendMessagePayload struct {
	Body      string `json:"body"`
	ClientRef string `json:"client_ref"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	chatID := c.Param("id")

	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Body) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "message body is required")
		return
	}

	outcome, err := h.store.SendMessage(c.Request.Context(), userID, chatID, request.Body, request.ClientRef)
	if err != nil {
		h.respondStoreError(c, "send message failed", err)
		return
	}

	// Fan out to the peer and to the sender's other devices. The client
	// tolerates redelivery, so over-publishing here is harmless.
	h.dispatcher.Publish(outcome.PeerID, live.Event{ScopeKey: outcome.PeerMessageCopy.ScopeKey, Item: outcome.PeerMessageCopy})
	h.dispatcher.Publish(outcome.PeerID, live.Event{ScopeKey: outcome.PeerSummary.ScopeKey, Item: outcome.PeerSummary})
	h.dispatcher.Publish(userID, live.Event{ScopeKey: outcome.Message.ScopeKey, Item: outcome.Message})
	h.dispatcher.Publish(userID, live.Event{ScopeKey: outcome.SenderSummary.ScopeKey, Item: outcome.SenderSummary})

	c.JSON(http.StatusOK, outcome.Message)
}

type markReadPayload struct {
	ItemIDs []string `json:"item_ids"`
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	chatID := c.Param("id")

	var request markReadPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "item_ids payload malformed")
		return
	}
	itemIDs := make([]string, 0, len(request.ItemIDs))
	for _, raw := range request.ItemIDs {
		id, err := feed.NewItemID(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_item_id", err.Error())
			return
		}
		itemIDs = append(itemIDs, id.String())
	}

	outcome, err := h.store.MarkRead(c.Request.Context(), userID, chatID, itemIDs)
	if err != nil {
		h.respondStoreError(c, "mark read failed", err)
		return
	}

	for _, item := range outcome.Flipped {
		h.dispatcher.Publish(userID, live.Event{ScopeKey: item.ScopeKey, Item: item})
	}
	h.dispatcher.Publish(userID, live.Event{ScopeKey: outcome.Summary.ScopeKey, Item: outcome.Summary})

	c.JSON(http.StatusOK, gin.H{"marked": len(outcome.Flipped)})
}

func (h *httpHandler) handleDeleteChat(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	chatID := c.Param("id")

	if err := h.store.DeleteChat(c.Request.Context(), userID, chatID); err != nil {
		h.respondStoreError(c, "delete chat failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": chatID})
}

type openChatPayload struct {
	PeerID string `json:"peer_id"`
}

func (h *httpHandler) handleOpenChat(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	chatID := c.Param("id")

	var request openChatPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PeerID) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "peer_id is required")
		return
	}

	if err := h.store.EnsureChat(c.Request.Context(), chatID, userID, strings.TrimSpace(request.PeerID)); err != nil {
		h.respondStoreError(c, "open chat failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID})
}

type createNotificationPayload struct {
	UserID string `json:"user_id"`
	Body   string `json:"body"`
	State  string `json:"state"`
}

func (h *httpHandler) handleCreateNotification(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)

	var request createNotificationPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	item, err := h.store.CreateNotification(c.Request.Context(), request.UserID, actorID, request.Body, feed.State(request.State))
	if err != nil {
		h.respondStoreError(c, "create notification failed", err)
		return
	}

	h.dispatcher.Publish(request.UserID, live.Event{ScopeKey: item.ScopeKey, Item: item})
	c.JSON(http.StatusOK, item)
}

type resolveNotificationPayload struct {
	Action string `json:"action"`
}

func (h *httpHandler) handleResolveNotification(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	notificationID := c.Param("id")

	var request resolveNotificationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "action payload malformed")
		return
	}
	accept := false
	switch strings.ToLower(strings.TrimSpace(request.Action)) {
	case "accept":
		accept = true
	case "reject":
	default:
		respondError(c, http.StatusBadRequest, "invalid_action", "action must be accept or reject")
		return
	}

	item, err := h.store.ResolveNotification(c.Request.Context(), userID, notificationID, accept)
	if err != nil {
		h.respondStoreError(c, "resolve notification failed", err)
		return
	}

	h.dispatcher.Publish(userID, live.Event{ScopeKey: item.ScopeKey, Item: item})
	c.JSON(http.StatusOK, item)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine churn, not an attack signal.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "session token rejected"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) respondStoreError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, store.ErrChatNotFound), errors.Is(err, store.ErrNotificationNotFound):
		respondError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrScopeForbidden):
		respondError(c, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		respondError(c, http.StatusConflict, "invalid_transition", err.Error())
	default:
		h.logger.Error(message, zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal_error", message)
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
