package guard_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/equiptrack/internal/auth"
	"github.com/odyssey-erp/equiptrack/internal/auth/authtest"
	"github.com/odyssey-erp/equiptrack/internal/gateway"
	"github.com/odyssey-erp/equiptrack/internal/guard"
	"github.com/odyssey-erp/equiptrack/internal/rbac"
	"github.com/odyssey-erp/equiptrack/internal/shared"
	"github.com/odyssey-erp/equiptrack/internal/view"
)

type fixedStore struct {
	store *auth.Store
	err   error
}

func (f fixedStore) StoreFor(*http.Request) (*auth.Store, error) {
	return f.store, f.err
}

type decisionSpy struct {
	seen []string
}

func (d *decisionSpy) RecordGuardDecision(status string) {
	d.seen = append(d.seen, status)
}

var member = gateway.Identity{ID: "9d8a3f00-0000-4000-8000-000000000001", Email: "member@example.com"}

func newGuard(t *testing.T, resolver guard.StoreResolver) (*guard.Guard, *decisionSpy) {
	t.Helper()
	templates, err := view.NewEngine()
	require.NoError(t, err)
	spy := &decisionSpy{}
	return guard.New(guard.Config{
		Stores:    resolver,
		Templates: templates,
		CSRF:      shared.NewCSRFManager("csrf"),
		Recorder:  spy,
	}), spy
}

func storeFor(t *testing.T, gw *authtest.Gateway) *auth.Store {
	t.Helper()
	s := auth.NewStore(gw, auth.Options{ProfileFetchDelay: -1})
	require.NoError(t, s.Init(context.Background()))
	s.Wait()
	t.Cleanup(s.Dispose)
	return s
}

func signedInStore(t *testing.T, role string) *auth.Store {
	t.Helper()
	gw := authtest.New()
	gw.AddUser(member, "pw", "member", role)
	gw.SetSession(authtest.NewSession(member, time.Hour), nil)
	return storeFor(t, gw)
}

func serve(g *guard.Guard, required rbac.Role, req *http.Request) (*httptest.ResponseRecorder, bool) {
	reached := false
	h := g.Require(required)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		st, ok := auth.StateFromContext(r.Context())
		if !ok || !st.Authenticated() {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res, reached
}

func TestRequireRedirectsSignedOut(t *testing.T) {
	g, spy := newGuard(t, fixedStore{store: storeFor(t, authtest.New())})

	res, reached := serve(g, "", httptest.NewRequest(http.MethodGet, "/reports?month=5", nil))
	assert.False(t, reached)
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/auth/login?next=%2Freports%3Fmonth%3D5", res.Header().Get("Location"))
	assert.Equal(t, []string{"denied-unauthenticated"}, spy.seen)
}

func TestRequireJSONSignedOut(t *testing.T) {
	g, _ := newGuard(t, fixedStore{store: storeFor(t, authtest.New())})

	req := httptest.NewRequest(http.MethodGet, "/me/capabilities", nil)
	req.Header.Set("Accept", "application/json")
	res, _ := serve(g, "", req)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Empty(t, res.Header().Get("Location"))
	assert.Contains(t, res.Body.String(), `"status":401`)
}

func TestRequireAllowsSignedIn(t *testing.T) {
	g, spy := newGuard(t, fixedStore{store: signedInStore(t, "manager")})

	res, reached := serve(g, rbac.RoleManager, httptest.NewRequest(http.MethodGet, "/manage", nil))
	assert.True(t, reached)
	assert.Equal(t, http.StatusNoContent, res.Code)
	assert.Equal(t, []string{"allowed"}, spy.seen)
}

func TestRequireDeniesLowerRoleInPlace(t *testing.T) {
	g, spy := newGuard(t, fixedStore{store: signedInStore(t, "user")})

	req := httptest.NewRequest(http.MethodGet, "/manage", nil)
	req.Header.Set("Referer", "http://example.com/")
	res, reached := serve(g, rbac.RoleManager, req)
	assert.False(t, reached)
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Empty(t, res.Header().Get("Location"))
	body := res.Body.String()
	assert.Contains(t, body, "Access denied")
	assert.Contains(t, body, "Manager")
	assert.Equal(t, []string{"denied-unauthorized"}, spy.seen)
}

func TestRequireShowsLoadingWhileChecking(t *testing.T) {
	loading := auth.NewStore(authtest.New(), auth.Options{})
	g, spy := newGuard(t, fixedStore{store: loading})

	res, reached := serve(g, "", httptest.NewRequest(http.MethodGet, "/manage", nil))
	assert.False(t, reached)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Empty(t, res.Header().Get("Location"))
	assert.Equal(t, "no-store", res.Header().Get("Cache-Control"))
	assert.Contains(t, res.Body.String(), "Checking your session")
	assert.Equal(t, []string{"checking"}, spy.seen)
}

func TestRequireRevalidatesExpiredSession(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(member, "pw", "member", "admin")
	gw.SetSession(authtest.NewSession(member, -time.Minute), nil)
	s := storeFor(t, gw)
	require.True(t, s.State().Authenticated())

	gw.SetSession(nil, nil)
	g, _ := newGuard(t, fixedStore{store: s})

	res, reached := serve(g, "", httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, reached)
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.False(t, s.State().Authenticated())
}

func TestRequireStoreFailure(t *testing.T) {
	g, _ := newGuard(t, fixedStore{err: errors.New("boom")})

	res, reached := serve(g, "", httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, reached)
	assert.Equal(t, http.StatusInternalServerError, res.Code)
}

func TestRequireUnknownRolePanics(t *testing.T) {
	g, _ := newGuard(t, fixedStore{})
	assert.Panics(t, func() { g.Require("owner") })
}

func TestContextCapabilitiesFeedsRBAC(t *testing.T) {
	g, _ := newGuard(t, fixedStore{store: signedInStore(t, "manager")})
	mw := rbac.Middleware{Source: guard.ContextCapabilities{}}

	h := g.Require("")(mw.RequireAll(rbac.CapEquipmentAdd)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/media", nil))
	assert.Equal(t, http.StatusNoContent, res.Code)

	h = g.Require("")(mw.RequireAll(rbac.CapUsersDelete)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	res = httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/media", nil))
	assert.Equal(t, http.StatusForbidden, res.Code)
}
