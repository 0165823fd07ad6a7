package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/auth"
	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/MarcoPoloResearchLab/planner/internal/store"
	"github.com/MarcoPoloResearchLab/planner/internal/suggest"
	"github.com/MarcoPoloResearchLab/planner/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "planner_user_id"
	principalKey       = "planner_principal"
	defaultHeartbeat   = 15 * time.Second
	handshakeTimeout   = 10 * time.Second
	realtimeWriteLimit = 10 * time.Second
	profilesTable      = "profiles"
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUsers         = errors.New("user identity dependency required")
	errMissingStore         = errors.New("document store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, principal auth.Principal) (string, int64, error)
	ValidateToken(token string) (auth.Principal, error)
}

// IdentityResolver maps a login to the canonical user id.
type IdentityResolver interface {
	SignIn(ctx context.Context, request users.SignInRequest) (users.SignInResult, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenManager TokenManager
	Users        IdentityResolver
	Store        *store.Store
	Functions    *suggest.Registry
	// AllowedOrigins lists CORS origins; empty or "*" allows every origin.
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	functions := deps.Functions
	if functions == nil {
		functions = suggest.NewRegistry()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		users:     deps.Users,
		store:     deps.Store,
		functions: functions,
		heartbeat: heartbeat,
		logger:    logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}

	router.POST(remote.PathSignIn, handler.handleSignIn)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET(remote.PathUser, handler.handleUser)
	protected.GET(remote.PathRest+":table", handler.handleSelect)
	protected.POST(remote.PathRest+":table", handler.handleInsert)
	protected.PATCH(remote.PathRest+":table", handler.handleUpdate)
	protected.DELETE(remote.PathRest+":table", handler.handleDelete)
	protected.POST(remote.PathFunctions+":name", handler.handleFunction)
	protected.GET(remote.PathRealtime, handler.handleRealtime)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			allowAll = true
		}
	}
	if allowAll {
		config.AllowAllOrigins = true
		config.AllowCredentials = false
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenManager
	users     IdentityResolver
	store     *store.Store
	functions *suggest.Registry
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	var request remote.SignInRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		h.respondError(c, remote.NewError(remote.CodeInvalid, "email is required"))
		return
	}
	result, err := h.users.SignIn(c.Request.Context(), users.SignInRequest{Email: request.Email, DisplayName: request.DisplayName})
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.respondError(c, remote.WrapError(remote.CodeInvalid, err))
			return
		}
		h.logger.Error("sign in failed", zap.Error(err))
		h.respondError(c, remote.WrapError(remote.CodeInternal, err))
		return
	}
	identity := result.Identity
	if result.Created {
		h.provisionProfile(c.Request.Context(), identity)
	}
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.Principal{
		UserID:      identity.UserID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	})
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		h.respondError(c, remote.WrapError(remote.CodeInternal, err))
		return
	}
	c.JSON(http.StatusOK, remote.SignInResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      identity.UserID,
	})
}

// provisionProfile creates the profile row of a new user. An existing row is kept.
func (h *httpHandler) provisionProfile(ctx context.Context, identity users.Identity) {
	_, err := h.store.Insert(ctx, identity.UserID, profilesTable, map[string]any{"display_name": identity.DisplayName})
	if err != nil && remote.CodeOf(err) != remote.CodeConflict {
		h.logger.Warn("profile provisioning failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}
}

func (h *httpHandler) handleUser(c *gin.Context) {
	principal, _ := c.Get(principalKey)
	typed, _ := principal.(auth.Principal)
	c.JSON(http.StatusOK, remote.UserResponse{
		UserID:      typed.UserID,
		Email:       typed.Email,
		DisplayName: typed.DisplayName,
	})
}

// authorizeRequest accepts a bearer header, or the access_token query parameter on
// the realtime route where browsers cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case c.FullPath() == remote.PathRealtime:
		token = strings.TrimSpace(c.Query(remote.AccessTokenParam))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{
			Error: remote.NewError(remote.CodeUnauthenticated, errInvalidAuthorization.Error()),
		})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{
			Error: remote.NewError(remote.CodeUnauthenticated, "unauthorized"),
		})
		return
	}
	c.Set(userIDContextKey, principal.UserID)
	c.Set(principalKey, principal)
	c.Next()
}

// respondError writes err with the status of its classification. Internal failures
// are logged and their detail withheld.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := remote.CodeOf(err)
	message := err.Error()
	var typed *remote.Error
	if errors.As(err, &typed) {
		message = typed.Message
	}
	fields := []zap.Field{zap.String("method", c.Request.Method), zap.String("path", c.Request.URL.Path), zap.Error(err)}
	var serviceErr *store.ServiceError
	if errors.As(err, &serviceErr) {
		fields = append(fields, zap.String("code", serviceErr.Code()))
	}
	switch code {
	case remote.CodeInternal, remote.CodeUnavailable:
		h.logger.Error("request failed", fields...)
		message = string(code)
	default:
		h.logger.Debug("request rejected", fields...)
	}
	c.AbortWithStatusJSON(code.HTTPStatus(), remote.ErrorResponse{Error: remote.NewError(code, message)})
}
