// Package testapi assembles the authorization core and identity middleware
// over a throwaway SQLite store for route tests.
package testapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chirino/chat-ledger/internal/authz"
	"github.com/chirino/chat-ledger/internal/clock"
	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/plugin/store/gormstore"
	"github.com/chirino/chat-ledger/internal/security"
	"github.com/chirino/chat-ledger/internal/testutil/teststore"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// AdminActor is listed as an admin in the fixture's config.
const AdminActor = "root"

// Env is the wired fixture.
type Env struct {
	Config  *config.Config
	Store   *gormstore.Store
	Clock   *clock.Fake
	Gate    *authz.ActionGate
	Perms   *authz.PermissionEngine
	Quotas  *authz.QuotaEngine
	Actions *authz.AuthorizedAction
	Auth    gin.HandlersChain
	Router  *gin.Engine
}

// New builds an Env in testing mode, where X-Actor-ID and X-Actor-Roles are
// trusted. Anonymous callers are allowed unless the caller changes the
// policy through opts.
func New(tb testing.TB, opts authz.PermissionOptions) *Env {
	tb.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.AdminActors = AdminActor

	store := teststore.New(tb)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	gate := authz.NewActionGate(store, nil, 0, nil)
	perms := authz.NewPermissionEngine(store, opts)
	quotas := authz.NewQuotaEngine(store, clk, nil)

	return &Env{
		Config:  &cfg,
		Store:   store,
		Clock:   clk,
		Gate:    gate,
		Perms:   perms,
		Quotas:  quotas,
		Actions: authz.NewAuthorizedAction(gate, perms, quotas, nil),
		Auth:    gin.HandlersChain{security.IdentityMiddleware(security.NewTokenResolver(&cfg, nil))},
		Router:  gin.New(),
	}
}

// Caller identifies the requester. A zero Caller is anonymous.
type Caller struct {
	ActorID string
	Roles   string
}

// Do sends a request with an optional JSON body and returns the recorder.
func (e *Env) Do(tb testing.TB, method, path string, who Caller, body any) *httptest.ResponseRecorder {
	tb.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(tb, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if who.ActorID != "" {
		req.Header.Set(security.HeaderActorID, who.ActorID)
	}
	if who.Roles != "" {
		req.Header.Set(security.HeaderActorRoles, who.Roles)
	}
	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// DecodeJSON unmarshals the recorder body into a value of type T.
func DecodeJSON[T any](tb testing.TB, w *httptest.ResponseRecorder) T {
	tb.Helper()
	var out T
	require.NoError(tb, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

// RequireStatus fails with the response body when the status differs.
func RequireStatus(tb testing.TB, w *httptest.ResponseRecorder, status int) {
	tb.Helper()
	require.Equal(tb, status, w.Code, "body: %s", w.Body.String())
}

