package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/equiptrack/internal/auth/authtest"
	"github.com/odyssey-erp/equiptrack/internal/gateway"
	"github.com/odyssey-erp/equiptrack/internal/rbac"
)

type spyRecorder struct {
	mu       sync.Mutex
	signIns  []string
	profiles []string
}

func (r *spyRecorder) RecordSignIn(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signIns = append(r.signIns, outcome)
}

func (r *spyRecorder) RecordProfileFetch(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = append(r.profiles, outcome)
}

func (r *spyRecorder) fetches() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.profiles...)
}

var alice = gateway.Identity{
	ID:    "7f1c3e1a-0000-4000-8000-000000000001",
	Email: "alice@example.com",
	Metadata: gateway.Metadata{
		"username":   "alice",
		"first_name": "Alice",
		"last_name":  "Liddell",
	},
}

func newTestStore(t *testing.T, gw *authtest.Gateway) (*Store, *spyRecorder) {
	t.Helper()
	rec := &spyRecorder{}
	s := NewStore(gw, Options{ProfileFetchDelay: -1, Recorder: rec})
	t.Cleanup(func() {
		s.Dispose()
		s.Wait()
	})
	return s, rec
}

func TestInitWithoutSession(t *testing.T) {
	gw := authtest.New()
	s, rec := newTestStore(t, gw)

	assert.True(t, s.State().Loading)
	require.NoError(t, s.Init(context.Background()))
	s.Wait()

	st := s.State()
	assert.False(t, st.Loading)
	assert.True(t, st.Initialized)
	assert.False(t, st.Authenticated())
	assert.Nil(t, st.Profile)
	assert.Empty(t, gw.QueriedTables)
	assert.Empty(t, rec.fetches())
}

func TestInitLookupFailureStillInitializes(t *testing.T) {
	gw := authtest.New()
	gw.SetSession(nil, errors.New("redis down"))
	s, _ := newTestStore(t, gw)

	err := s.Init(context.Background())
	require.Error(t, err)
	st := s.State()
	assert.True(t, st.Initialized)
	assert.False(t, st.Loading)
	assert.False(t, st.Authenticated())
}

func TestRestoredSessionExposesFallbackThenConfirmed(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "manager")
	gw.SetSession(authtest.NewSession(alice, time.Hour), nil)
	release := gw.HoldQueries()
	s, rec := newTestStore(t, gw)

	require.NoError(t, s.Init(context.Background()))

	st := s.State()
	require.True(t, st.Authenticated())
	require.NotNil(t, st.Profile)
	assert.Equal(t, PhaseOptimistic, st.Profile.Phase)
	assert.Equal(t, "alice", st.Profile.Value.Username)
	assert.Equal(t, rbac.RoleUser, st.Role())

	release()
	s.Wait()

	st = s.State()
	assert.Equal(t, PhaseConfirmed, st.Profile.Phase)
	assert.Equal(t, rbac.RoleManager, st.Role())
	assert.True(t, st.Capabilities().Can(rbac.CapEquipmentAdd))
	assert.Equal(t, []string{"confirmed"}, rec.fetches())
}

func TestProfileFetchFailureKeepsFallback(t *testing.T) {
	gw := authtest.New()
	gw.SetSession(authtest.NewSession(alice, time.Hour), nil)
	gw.FailQueries(errors.New("connection refused"))
	s, rec := newTestStore(t, gw)

	require.NoError(t, s.Init(context.Background()))
	s.Wait()

	st := s.State()
	require.NotNil(t, st.Profile)
	assert.Equal(t, PhaseOptimistic, st.Profile.Phase)
	assert.Equal(t, "Alice Liddell", st.Profile.Value.DisplayName())
	assert.Equal(t, []string{"failed"}, rec.fetches())
}

func TestFallbackRoleNeverAdmin(t *testing.T) {
	s := NewStore(authtest.New(), Options{FallbackRole: rbac.RoleAdmin})
	assert.Equal(t, rbac.RoleUser, s.opts.FallbackRole)

	s = NewStore(authtest.New(), Options{FallbackRole: rbac.RoleManager})
	assert.Equal(t, rbac.RoleManager, s.opts.FallbackRole)
}

func TestSignInUnknownUsernameSkipsPasswordGrant(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "user")
	s, rec := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))

	err := s.SignIn(context.Background(), "mallory", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Zero(t, gw.SignInCalls)

	err = s.SignIn(context.Background(), "   ", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Zero(t, gw.SignInCalls)
	assert.Equal(t, []string{"invalid", "invalid"}, rec.signIns)
}

func TestSignInInactiveProfileRejected(t *testing.T) {
	gw := authtest.New()
	gw.AddRow(map[string]any{"id": "x", "username": "bob", "email": "bob@example.com", "is_active": false})
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))

	err := s.SignIn(context.Background(), "bob", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Zero(t, gw.SignInCalls)
}

func TestSignInWrongPasswordPassesGatewayError(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "user")
	s, rec := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))

	err := s.SignIn(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, gateway.ErrInvalidGrant)
	assert.Equal(t, 1, gw.SignInCalls)
	assert.False(t, s.State().Authenticated())
	assert.Equal(t, []string{"rejected"}, rec.signIns)
}

func TestSignInInstallsSession(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "admin")
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))

	var seen []State
	var mu sync.Mutex
	s.OnChange(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	require.NoError(t, s.SignIn(context.Background(), "alice", "secret-pass"))
	s.Wait()

	st := s.State()
	require.True(t, st.Authenticated())
	assert.Equal(t, alice.ID, st.Identity.ID)
	assert.Equal(t, rbac.RoleAdmin, st.Role())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, PhaseOptimistic, seen[0].Profile.Phase)
	assert.NotNil(t, seen[0].Identity)
	assert.NotNil(t, seen[0].Session)
	assert.Equal(t, PhaseConfirmed, seen[1].Profile.Phase)
}

func TestRepeatedSignedInKeepsConfirmedProfile(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "manager")
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.SignIn(context.Background(), "alice", "secret-pass"))
	s.Wait()
	require.True(t, s.State().Profile.Confirmed())

	release := gw.HoldQueries()
	defer release()
	gw.Emit(gateway.AuthEvent{Kind: gateway.EventSignedIn, Session: authtest.NewSession(alice, time.Hour)})

	st := s.State()
	assert.Equal(t, PhaseConfirmed, st.Profile.Phase)
	assert.Equal(t, rbac.RoleManager, st.Role())
}

func TestSignUpTakenUsernameSkipsRegister(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "user")
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))

	err := s.SignUp(context.Background(), "other@example.com", "password1", ProfileFields{Username: "alice"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Zero(t, gw.SignUpCalls)

	err = s.SignUp(context.Background(), "new@example.com", "password1", ProfileFields{Username: "newbie", FirstName: "New"})
	require.NoError(t, err)
	assert.Equal(t, 1, gw.SignUpCalls)
}

func TestSignUpPassesMetadataAndRedirect(t *testing.T) {
	gw := authtest.New()
	s := NewStore(gw, Options{
		ProfileFetchDelay: -1,
		SignUpRedirectURL: "https://assets.example/auth/callback",
		ResetRedirectURL:  "https://assets.example/auth/recover",
	})
	t.Cleanup(s.Dispose)
	require.NoError(t, s.Init(context.Background()))

	err := s.SignUp(context.Background(), " new@example.com ", "password1", ProfileFields{
		Username:  " newbie ",
		FirstName: " New ",
		LastName:  "  User",
	})
	require.NoError(t, err)
	require.Len(t, gw.SignUps, 1)
	call := gw.SignUps[0]
	assert.Equal(t, "new@example.com", call.Email)
	assert.Equal(t, "https://assets.example/auth/callback", call.RedirectTo)
	assert.Equal(t, gateway.Metadata{"username": "newbie", "first_name": "New", "last_name": "User"}, call.Metadata)

	require.NoError(t, s.ResetPassword(context.Background(), " new@example.com"))
	require.Len(t, gw.Resets, 1)
	assert.Equal(t, authtest.ResetCall{Email: "new@example.com", RedirectTo: "https://assets.example/auth/recover"}, gw.Resets[0])
}

func TestSignUpUsernameClaimedByBackend(t *testing.T) {
	gw := authtest.New()
	gw.FailSignUp(gateway.ErrUsernameExists)
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))

	err := s.SignUp(context.Background(), "new@example.com", "password1", ProfileFields{Username: "newbie"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Equal(t, 1, gw.SignUpCalls)
}

func TestSignUpIgnoresInactiveProfiles(t *testing.T) {
	gw := authtest.New()
	gw.AddRow(map[string]any{"id": "x", "username": "bob", "email": "bob@example.com", "is_active": false})
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))

	require.NoError(t, s.SignUp(context.Background(), "bob2@example.com", "password1", ProfileFields{Username: "bob"}))
	assert.Equal(t, 1, gw.SignUpCalls)
}

func TestSignOutClearsState(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "user")
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.SignIn(context.Background(), "alice", "secret-pass"))
	s.Wait()

	require.NoError(t, s.SignOut(context.Background()))
	st := s.State()
	assert.False(t, st.Authenticated())
	assert.Nil(t, st.Session)
	assert.Nil(t, st.Profile)
	assert.True(t, st.Initialized)
}

func TestTokenRefreshedKeepsProfile(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "manager")
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.SignIn(context.Background(), "alice", "secret-pass"))
	s.Wait()

	refreshed := authtest.NewSession(alice, 2*time.Hour)
	gw.Emit(gateway.AuthEvent{Kind: gateway.EventTokenRefreshed, Session: refreshed})

	st := s.State()
	assert.Equal(t, refreshed.AccessToken, st.Session.AccessToken)
	assert.True(t, st.Profile.Confirmed())
}

func TestTokenRefreshedForOtherIdentityInstallsIt(t *testing.T) {
	bob := gateway.Identity{ID: "7f1c3e1a-0000-4000-8000-000000000002", Email: "bob@example.com"}
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "manager")
	gw.AddUser(bob, "b-pass", "bob", "user")
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.SignIn(context.Background(), "alice", "secret-pass"))
	s.Wait()

	gw.Emit(gateway.AuthEvent{Kind: gateway.EventTokenRefreshed, Session: authtest.NewSession(bob, time.Hour)})
	s.Wait()

	st := s.State()
	assert.Equal(t, bob.ID, st.Identity.ID)
	assert.Equal(t, bob.ID, st.Profile.Value.ID)
	assert.Equal(t, rbac.RoleUser, st.Role())
}

func TestInitWithRefreshedTokenInstallsOnce(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "manager")
	sess := authtest.NewSession(alice, time.Hour)
	gw.SetSession(sess, nil)
	gw.RefreshOnLookup()
	s, rec := newTestStore(t, gw)

	require.NoError(t, s.Init(context.Background()))
	s.Wait()

	st := s.State()
	assert.Equal(t, sess.AccessToken, st.Session.AccessToken)
	assert.True(t, st.Profile.Confirmed())
	assert.Equal(t, []string{"confirmed"}, rec.fetches())
	assert.Len(t, gw.QueriedTables, 1)
}

func TestEventsAfterDisposeIgnored(t *testing.T) {
	gw := authtest.New()
	gw.KeepSubscribers()
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))

	calls := 0
	s.OnChange(func(State) { calls++ })
	s.Dispose()
	assert.False(t, s.Alive())

	gw.Emit(gateway.AuthEvent{Kind: gateway.EventSignedIn, Session: authtest.NewSession(alice, time.Hour)})
	s.Wait()

	assert.False(t, s.State().Authenticated())
	assert.Zero(t, calls)
	assert.Empty(t, gw.QueriedTables)
	assert.ErrorIs(t, s.Init(context.Background()), ErrStoreDisposed)
}

func TestInFlightFetchDiscardedAfterDispose(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "admin")
	gw.SetSession(authtest.NewSession(alice, time.Hour), nil)
	release := gw.HoldQueries()
	s, rec := newTestStore(t, gw)

	require.NoError(t, s.Init(context.Background()))
	s.Dispose()
	release()
	s.Wait()

	st := s.State()
	assert.Equal(t, PhaseOptimistic, st.Profile.Phase)
	assert.Equal(t, rbac.RoleUser, st.Role())
	assert.Equal(t, []string{"discarded"}, rec.fetches())
}

func TestFetchForPreviousIdentityDiscarded(t *testing.T) {
	bob := gateway.Identity{ID: "7f1c3e1a-0000-4000-8000-000000000002", Email: "bob@example.com"}
	gw := authtest.New()
	gw.AddUser(alice, "a-pass", "alice", "admin")
	gw.AddUser(bob, "b-pass", "bob", "user")
	gw.SetSession(authtest.NewSession(alice, time.Hour), nil)
	release := gw.HoldQueries()
	s, rec := newTestStore(t, gw)

	require.NoError(t, s.Init(context.Background()))
	gw.Emit(gateway.AuthEvent{Kind: gateway.EventSignedIn, Session: authtest.NewSession(bob, time.Hour)})
	release()
	s.Wait()

	st := s.State()
	assert.Equal(t, bob.ID, st.Identity.ID)
	assert.Equal(t, bob.ID, st.Profile.Value.ID)
	assert.Equal(t, rbac.RoleUser, st.Role())
	assert.ElementsMatch(t, []string{"confirmed", "discarded"}, rec.fetches())
}

func TestRevalidateClearsVanishedSession(t *testing.T) {
	gw := authtest.New()
	gw.SetSession(authtest.NewSession(alice, time.Hour), nil)
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))
	require.True(t, s.State().Authenticated())

	gw.SetSession(nil, nil)
	require.NoError(t, s.Revalidate(context.Background()))
	assert.False(t, s.State().Authenticated())
}

func TestRevalidateKeepsProfileForSameIdentity(t *testing.T) {
	gw := authtest.New()
	gw.AddUser(alice, "secret-pass", "alice", "manager")
	gw.SetSession(authtest.NewSession(alice, time.Hour), nil)
	s, rec := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))
	s.Wait()

	renewed := authtest.NewSession(alice, 2*time.Hour)
	gw.SetSession(renewed, nil)
	require.NoError(t, s.Revalidate(context.Background()))
	s.Wait()

	st := s.State()
	assert.Equal(t, renewed.AccessToken, st.Session.AccessToken)
	assert.True(t, st.Profile.Confirmed())
	assert.Equal(t, []string{"confirmed"}, rec.fetches())
}

func TestProfileFetchDelayDefaults(t *testing.T) {
	assert.Equal(t, defaultProfileFetchDelay, Options{}.withDefaults().ProfileFetchDelay)
	assert.Zero(t, Options{ProfileFetchDelay: -1}.withDefaults().ProfileFetchDelay)
	assert.Equal(t, time.Second, Options{ProfileFetchDelay: time.Second}.withDefaults().ProfileFetchDelay)
}

func TestUploadRequiresSession(t *testing.T) {
	gw := authtest.New()
	s, _ := newTestStore(t, gw)
	require.NoError(t, s.Init(context.Background()))

	_, err := s.Upload(context.Background(), "k", nil, "image/png")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestApplyConfirmedNeverRegresses(t *testing.T) {
	p := Profile{ID: "a", Username: "alice", Role: "manager"}
	fallback := Profile{ID: "a", Username: "alice", Role: "user"}

	assert.Nil(t, applyConfirmed(nil, p))

	cur := applyOptimistic(nil, fallback)
	assert.Equal(t, PhaseOptimistic, cur.Phase)

	cur = applyConfirmed(cur, p)
	assert.Equal(t, PhaseConfirmed, cur.Phase)

	again := applyOptimistic(cur, fallback)
	assert.Same(t, cur, again)

	other := applyConfirmed(cur, Profile{ID: "b", Role: "admin"})
	assert.Same(t, cur, other)

	switched := applyOptimistic(cur, Profile{ID: "b", Role: "user"})
	assert.Equal(t, PhaseOptimistic, switched.Phase)
	assert.Equal(t, "b", switched.Value.ID)
}

func TestFallbackProfileFromEmail(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	p := fallbackProfile(gateway.Identity{ID: "x", Email: "carol@example.com", Role: "bogus"}, rbac.RoleUser, now)
	assert.Equal(t, "carol", p.Username)
	assert.Equal(t, "user", p.Role)
	assert.True(t, p.IsActive)
	assert.Equal(t, now, p.CreatedAt)

	p = fallbackProfile(gateway.Identity{ID: "x", Email: "dan@example.com", Role: "manager"}, rbac.RoleUser, now)
	assert.Equal(t, "manager", p.Role)
}
