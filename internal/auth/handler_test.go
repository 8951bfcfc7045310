package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/equiptrack/internal/auth"
	"github.com/odyssey-erp/equiptrack/internal/auth/authtest"
	"github.com/odyssey-erp/equiptrack/internal/gateway"
	"github.com/odyssey-erp/equiptrack/internal/shared"
	"github.com/odyssey-erp/equiptrack/internal/view"
	_ "github.com/odyssey-erp/equiptrack/testing"
)

type authFixture struct {
	router   chi.Router
	sessions *shared.SessionManager
	registry *auth.Registry
	gw       *authtest.Gateway
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(redisClient, "test_session", time.Hour, false)
	csrf := shared.NewCSRFManager("csrfsecret")
	templates, err := view.NewEngine()
	require.NoError(t, err)

	gw := authtest.New()
	gw.AddUser(gateway.Identity{ID: "3b0c5f5e-0000-4000-8000-00000000000a", Email: "user@test.local"}, "correctpass", "operator", "user")
	registry := auth.NewRegistry(func(string) auth.Gateway { return gw.Browser() }, auth.Options{ProfileFetchDelay: -1}, 10, time.Minute)
	t.Cleanup(registry.Close)

	r := chi.NewRouter()
	r.Route("/auth", auth.NewHandler(nil, registry, templates, sessions, csrf).MountRoutes)
	return &authFixture{router: r, sessions: sessions, registry: registry, gw: gw}
}

func (f *authFixture) do(t *testing.T, method, target string, form url.Values) (*httptest.ResponseRecorder, *shared.Session) {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	sess, err := f.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res, sess
}

func TestLoginPage(t *testing.T) {
	f := newAuthFixture(t)

	res, sess := f.do(t, http.MethodGet, "/auth/login?next=%2Fmanage", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	body := res.Body.String()
	assert.Contains(t, body, "<form")
	assert.Contains(t, body, `value="/manage"`)
	assert.NotEmpty(t, sess.Get(shared.CSRFSessionKey))
}

func TestLoginUnknownUsername(t *testing.T) {
	f := newAuthFixture(t)

	res, _ := f.do(t, http.MethodPost, "/auth/login", url.Values{"username": {"ghost"}, "password": {"whatever"}})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "Invalid username or password")
	assert.Zero(t, f.gw.SignInCalls)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newAuthFixture(t)

	res, _ := f.do(t, http.MethodPost, "/auth/login", url.Values{"username": {"operator"}, "password": {"wrongpass"}})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "Invalid username or password")
	assert.Equal(t, 1, f.gw.SignInCalls)
}

func TestLoginSuccessRedirectsToNext(t *testing.T) {
	f := newAuthFixture(t)

	res, sess := f.do(t, http.MethodPost, "/auth/login", url.Values{
		"username": {"operator"},
		"password": {"correctpass"},
		"next":     {"/manage?tab=2"},
	})
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/manage?tab=2", res.Header().Get("Location"))

	store, err := f.registry.Store(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, store.State().Authenticated())
}

func TestLoginRenewsBrowserSession(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	sess, err := f.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, f.sessions.Commit(context.Background(), httptest.NewRecorder(), sess))
	before := sess.ID
	_, err = f.registry.Store(context.Background(), before)
	require.NoError(t, err)

	form := url.Values{"username": {"operator"}, "password": {"correctpass"}}
	post := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	post.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	post = post.WithContext(shared.ContextWithSession(post.Context(), sess))
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, post)
	require.Equal(t, http.StatusSeeOther, res.Code)

	assert.NotEqual(t, before, sess.ID)
	_, ok := f.registry.Lookup(before)
	assert.False(t, ok)
	store, ok := f.registry.Lookup(sess.ID)
	require.True(t, ok)
	assert.True(t, store.State().Authenticated())
}

func TestLoginFailureKeepsBrowserSession(t *testing.T) {
	f := newAuthFixture(t)

	res, sess := f.do(t, http.MethodPost, "/auth/login", url.Values{"username": {"operator"}, "password": {"wrongpass"}})
	require.Equal(t, http.StatusBadRequest, res.Code)
	_, ok := f.registry.Lookup(sess.ID)
	assert.False(t, ok)
	assert.Zero(t, f.registry.Len())
}

func TestLoginRejectsOffsiteNext(t *testing.T) {
	f := newAuthFixture(t)

	res, _ := f.do(t, http.MethodPost, "/auth/login", url.Values{
		"username": {"operator"},
		"password": {"correctpass"},
		"next":     {"//evil.example/steal"},
	})
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/", res.Header().Get("Location"))
}

func TestLoginValidation(t *testing.T) {
	f := newAuthFixture(t)

	res, _ := f.do(t, http.MethodPost, "/auth/login", url.Values{"username": {""}, "password": {""}})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "This field is required")
	assert.Zero(t, f.gw.SignInCalls)
}

func TestSignupTakenUsername(t *testing.T) {
	f := newAuthFixture(t)

	res, _ := f.do(t, http.MethodPost, "/auth/signup", url.Values{
		"email":    {"new@test.local"},
		"username": {"operator"},
		"password": {"longenough"},
		"confirm":  {"longenough"},
	})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "This username is already taken")
	assert.Zero(t, f.gw.SignUpCalls)
}

func TestSignupSendsConfirmation(t *testing.T) {
	f := newAuthFixture(t)

	res, _ := f.do(t, http.MethodPost, "/auth/signup", url.Values{
		"email":    {"new@test.local"},
		"username": {"newbie"},
		"password": {"longenough"},
		"confirm":  {"longenough"},
	})
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "new@test.local")
	assert.Equal(t, 1, f.gw.SignUpCalls)
}

func TestResetDoesNotRevealAccounts(t *testing.T) {
	f := newAuthFixture(t)

	res, _ := f.do(t, http.MethodPost, "/auth/reset", url.Values{"email": {"nobody@test.local"}})
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "If nobody@test.local belongs to an account")
	require.Len(t, f.gw.Resets, 1)
	assert.Equal(t, "nobody@test.local", f.gw.Resets[0].Email)
}

func TestLogoutEvictsStore(t *testing.T) {
	f := newAuthFixture(t)

	_, sess := f.do(t, http.MethodPost, "/auth/login", url.Values{"username": {"operator"}, "password": {"correctpass"}})
	require.Equal(t, 1, f.registry.Len())

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)

	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/auth/login", res.Header().Get("Location"))
	assert.Equal(t, 1, f.gw.SignOutCalls)
	assert.Zero(t, f.registry.Len())
}

func TestSafeRedirect(t *testing.T) {
	cases := map[string]string{
		"":                   "/",
		"/reports":           "/reports",
		"/a?b=c":             "/a?b=c",
		"https://evil.test/": "/",
		"//evil.test":        "/",
		"/\\evil.test":       "/",
		"relative":           "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, auth.SafeRedirect(in), in)
	}
}
