// Package servertest runs the planner API over in-memory databases for tests of
// packages that talk to it over HTTP.
package servertest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/auth"
	"github.com/MarcoPoloResearchLab/planner/internal/server"
	"github.com/MarcoPoloResearchLab/planner/internal/store"
	"github.com/MarcoPoloResearchLab/planner/internal/store/storetest"
	"github.com/MarcoPoloResearchLab/planner/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	signingSecret     = "servertest-secret"
	tokenIssuer       = "planner-auth"
	tokenAudience     = "planner-api"
	heartbeatInterval = 200 * time.Millisecond
)

// API is a running test server.
type API struct {
	URL    string
	Store  *store.Store
	Tokens *auth.TokenIssuer
	Users  *users.Service
}

// New starts the API and stops it when the test ends.
func New(t testing.TB, logger *zap.Logger) *API {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}
	documents, _ := storetest.New(t)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"_users?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&users.Identity{}); err != nil {
		t.Fatalf("failed to migrate identities: %v", err)
	}
	identities, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:      tokens,
		Users:             identities,
		Store:             documents,
		HeartbeatInterval: heartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return &API{URL: httpServer.URL, Store: documents, Tokens: tokens, Users: identities}
}

// Token signs in email and returns its access token and user id.
func (a *API) Token(t testing.TB, email string) (string, string) {
	t.Helper()
	result, err := a.Users.SignIn(context.Background(), users.SignInRequest{Email: email})
	if err != nil {
		t.Fatalf("sign in %s failed: %v", email, err)
	}
	token, _, err := a.Tokens.IssueToken(context.Background(), auth.Principal{UserID: result.Identity.UserID, Email: result.Identity.Email})
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	return token, result.Identity.UserID
}
