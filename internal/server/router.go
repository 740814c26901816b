package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Allenskoo856/mydocmost/internal/auth"
	"github.com/Allenskoo856/mydocmost/internal/resource"
	"github.com/Allenskoo856/mydocmost/internal/space"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "mydocmost_user_id"
	workspaceContextKey = "mydocmost_workspace_id"
)

var (
	errMissingTokenAuthority  = errors.New("token authority dependency required")
	errMissingResourceService = errors.New("resource service dependency required")
	errMissingRoleDirectory   = errors.New("role directory dependency required")
	errMissingCollabHandler   = errors.New("collaboration handler dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenAuthority validates API bearer tokens and issues collaboration
// tokens for authenticated callers.
type TokenAuthority interface {
	ValidateAPIToken(token string) (auth.Claims, error)
	IssueCollabToken(ctx context.Context, claims auth.Claims) (string, int64, error)
}

// ResourceService manages database metadata and views.
type ResourceService interface {
	CreateDatabase(ctx context.Context, params resource.CreateDatabaseParams) (resource.Database, resource.View, error)
	CreateView(ctx context.Context, params resource.CreateViewParams) (resource.View, error)
	FindDatabase(ctx context.Context, databaseID string) (resource.Database, error)
	UpdateTitle(ctx context.Context, databaseID, title string) (resource.Database, error)
	ListViews(ctx context.Context, databaseID string) ([]resource.View, error)
	SetDefaultView(ctx context.Context, databaseID, viewID string) error
	Resolve(ctx context.Context, kind resource.Kind, id string) (resource.Resolved, error)
}

// RoleDirectory resolves a user's role within a space.
type RoleDirectory interface {
	ResolveRole(ctx context.Context, spaceID, userID string) (space.Role, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenAuthority  TokenAuthority
	ResourceService ResourceService
	RoleDirectory   RoleDirectory
	CollabHandler   http.Handler
	Logger          *zap.Logger
}

// NewHTTPHandler builds the full route tree: public health and websocket
// upgrade endpoints plus the bearer-protected database metadata API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenAuthority == nil {
		return nil, errMissingTokenAuthority
	}
	if deps.ResourceService == nil {
		return nil, errMissingResourceService
	}
	if deps.RoleDirectory == nil {
		return nil, errMissingRoleDirectory
	}
	if deps.CollabHandler == nil {
		return nil, errMissingCollabHandler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.TokenAuthority,
		resources: deps.ResourceService,
		roles:     deps.RoleDirectory,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	// The websocket handshake carries its own collab token, so the upgrade
	// route stays outside the bearer middleware.
	router.GET("/collab", gin.WrapH(deps.CollabHandler))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/collab-token", handler.handleCollabToken)
	protected.POST("/databases/create", handler.handleDatabaseCreate)
	protected.POST("/databases/info", handler.handleDatabaseInfo)
	protected.POST("/databases/update", handler.handleDatabaseUpdate)
	protected.POST("/databases/views/create", handler.handleViewCreate)
	protected.POST("/databases/views/default", handler.handleDefaultViewSwitch)

	return router, nil
}

type httpHandler struct {
	tokens    TokenAuthority
	resources ResourceService
	roles     RoleDirectory
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateAPIToken(token)
	if err != nil {
		// Expiry is routine client behavior, not an anomaly worth a warning.
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("api token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("api token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(workspaceContextKey, claims.WorkspaceID)
	c.Next()
}

// requireRole resolves the caller's role in a space and aborts the request
// unless the role satisfies the check. It reports whether the caller passed.
func (h *httpHandler) requireRole(c *gin.Context, spaceID string, allowed func(space.Role) bool) bool {
	userID := c.GetString(userIDContextKey)
	role, err := h.roles.ResolveRole(c.Request.Context(), spaceID, userID)
	if err != nil {
		h.logger.Error("role resolution failed",
			zap.String("space_id", spaceID),
			zap.String("user_id", userID),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "role_resolution_failed"})
		return false
	}
	if !allowed(role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

// resolveDatabaseSpace maps a database id to its owning space, translating
// the not-found case into a 404 response.
func (h *httpHandler) resolveDatabaseSpace(c *gin.Context, databaseID string) (string, bool) {
	resolved, err := h.resources.Resolve(c.Request.Context(), resource.KindTable, databaseID)
	if errors.Is(err, resource.ErrResourceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return "", false
	}
	if err != nil {
		h.logger.Error("database resolution failed", zap.String("database_id", databaseID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution_failed"})
		return "", false
	}
	return resolved.SpaceID, true
}

type collabTokenResponsePayload struct {
	CollabToken string `json:"collab_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleCollabToken(c *gin.Context) {
	claims := auth.Claims{
		UserID:      c.GetString(userIDContextKey),
		WorkspaceID: c.GetString(workspaceContextKey),
	}
	token, expiresIn, err := h.tokens.IssueCollabToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue collab token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, collabTokenResponsePayload{
		CollabToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type databaseCreateRequestPayload struct {
	PageID string `json:"page_id"`
	Title  string `json:"title"`
}

type viewPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	IsDefault bool   `json:"is_default"`
}

type databasePayload struct {
	ID     string        `json:"id"`
	PageID string        `json:"page_id"`
	Title  string        `json:"title"`
	Views  []viewPayload `json:"views"`
}

func viewToPayload(view resource.View) viewPayload {
	return viewPayload{
		ID:        view.ID,
		Name:      view.Name,
		Type:      view.Type,
		IsDefault: view.IsDefault,
	}
}

func (h *httpHandler) handleDatabaseCreate(c *gin.Context) {
	var request databaseCreateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PageID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	resolved, err := h.resources.Resolve(c.Request.Context(), resource.KindPage, request.PageID)
	if errors.Is(err, resource.ErrResourceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("page resolution failed", zap.String("page_id", request.PageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution_failed"})
		return
	}
	if !h.requireRole(c, resolved.SpaceID, space.Role.CanWrite) {
		return
	}

	created, defaultView, err := h.resources.CreateDatabase(c.Request.Context(), resource.CreateDatabaseParams{
		PageID:    request.PageID,
		Title:     strings.TrimSpace(request.Title),
		CreatedBy: c.GetString(userIDContextKey),
	})
	if err != nil {
		h.logger.Error("database creation failed", zap.String("page_id", request.PageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	c.JSON(http.StatusOK, databasePayload{
		ID:     created.ID,
		PageID: created.PageID,
		Title:  created.Title,
		Views:  []viewPayload{viewToPayload(defaultView)},
	})
}

type databaseInfoRequestPayload struct {
	DatabaseID string `json:"database_id"`
}

func (h *httpHandler) handleDatabaseInfo(c *gin.Context) {
	var request databaseInfoRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DatabaseID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	spaceID, ok := h.resolveDatabaseSpace(c, request.DatabaseID)
	if !ok {
		return
	}
	if !h.requireRole(c, spaceID, space.Role.CanRead) {
		return
	}

	database, err := h.resources.FindDatabase(c.Request.Context(), request.DatabaseID)
	if err != nil {
		h.logger.Error("database lookup failed", zap.String("database_id", request.DatabaseID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	views, err := h.resources.ListViews(c.Request.Context(), request.DatabaseID)
	if err != nil {
		h.logger.Error("view listing failed", zap.String("database_id", request.DatabaseID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	response := databasePayload{
		ID:     database.ID,
		PageID: database.PageID,
		Title:  database.Title,
		Views:  make([]viewPayload, 0, len(views)),
	}
	for _, view := range views {
		response.Views = append(response.Views, viewToPayload(view))
	}
	c.JSON(http.StatusOK, response)
}

type databaseUpdateRequestPayload struct {
	DatabaseID string `json:"database_id"`
	Title      string `json:"title"`
}

func (h *httpHandler) handleDatabaseUpdate(c *gin.Context) {
	var request databaseUpdateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DatabaseID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	spaceID, ok := h.resolveDatabaseSpace(c, request.DatabaseID)
	if !ok {
		return
	}
	if !h.requireRole(c, spaceID, space.Role.CanWrite) {
		return
	}

	updated, err := h.resources.UpdateTitle(c.Request.Context(), request.DatabaseID, strings.TrimSpace(request.Title))
	if err != nil {
		h.logger.Error("database rename failed", zap.String("database_id", request.DatabaseID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	c.JSON(http.StatusOK, databasePayload{
		ID:     updated.ID,
		PageID: updated.PageID,
		Title:  updated.Title,
	})
}

type viewCreateRequestPayload struct {
	DatabaseID string `json:"database_id"`
	Name       string `json:"name"`
	IsDefault  bool   `json:"is_default"`
}

func (h *httpHandler) handleViewCreate(c *gin.Context) {
	var request viewCreateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DatabaseID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	spaceID, ok := h.resolveDatabaseSpace(c, request.DatabaseID)
	if !ok {
		return
	}
	if !h.requireRole(c, spaceID, space.Role.CanWrite) {
		return
	}

	created, err := h.resources.CreateView(c.Request.Context(), resource.CreateViewParams{
		DatabaseID: request.DatabaseID,
		Name:       request.Name,
		IsDefault:  request.IsDefault,
	})
	if err != nil {
		h.logger.Error("view creation failed", zap.String("database_id", request.DatabaseID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	c.JSON(http.StatusOK, viewToPayload(created))
}

type defaultViewRequestPayload struct {
	DatabaseID string `json:"database_id"`
	ViewID     string `json:"view_id"`
}

func (h *httpHandler) handleDefaultViewSwitch(c *gin.Context) {
	var request defaultViewRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.DatabaseID) == "" || strings.TrimSpace(request.ViewID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	spaceID, ok := h.resolveDatabaseSpace(c, request.DatabaseID)
	if !ok {
		return
	}
	if !h.requireRole(c, spaceID, space.Role.CanWrite) {
		return
	}

	err := h.resources.SetDefaultView(c.Request.Context(), request.DatabaseID, request.ViewID)
	if errors.Is(err, resource.ErrViewNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("default view switch failed",
			zap.String("database_id", request.DatabaseID),
			zap.String("view_id", request.ViewID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	views, err := h.resources.ListViews(c.Request.Context(), request.DatabaseID)
	if err != nil {
		h.logger.Error("view listing failed", zap.String("database_id", request.DatabaseID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	response := make([]viewPayload, 0, len(views))
	for _, view := range views {
		response = append(response, viewToPayload(view))
	}
	c.JSON(http.StatusOK, gin.H{"views": response})
}
