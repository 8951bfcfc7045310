package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odyssey-erp/equiptrack/internal/gateway"
	"github.com/odyssey-erp/equiptrack/internal/rbac"
)

const (
	defaultProfileFetchDelay   = 100 * time.Millisecond
	defaultProfileFetchTimeout = 10 * time.Second
)

// Gateway is the slice of the backend gateway consumed by the store.
type Gateway interface {
	GetCurrentSession(ctx context.Context) (*gateway.Session, error)
	SubscribeAuthEvents(h gateway.Handler) func()
	SignInWithPassword(ctx context.Context, email, password string) (*gateway.Session, error)
	SignUp(ctx context.Context, email, password string, metadata gateway.Metadata, redirectTo string) error
	SignOut(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email, redirectTo string) error
	CompleteRecovery(ctx context.Context, token, password string) error
	QueryRow(ctx context.Context, table string, filter gateway.Filter) (gateway.Row, error)
	Upload(ctx context.Context, key string, content io.Reader, contentType string) (string, error)
}

// Recorder observes store outcomes.
type Recorder interface {
	RecordSignIn(outcome string)
	RecordProfileFetch(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSignIn(string)       {}
func (nopRecorder) RecordProfileFetch(string) {}

// Options configure a Store.
type Options struct {
	// ProfileFetchDelay postpones the authoritative profile fetch.
	ProfileFetchDelay   time.Duration
	ProfileFetchTimeout time.Duration
	// FallbackRole is given to synthesized profiles without a valid role
	// claim. Admin is never accepted here.
	FallbackRole      rbac.Role
	SignUpRedirectURL string
	ResetRedirectURL  string
	Logger            *slog.Logger
	Recorder          Recorder
}

func (o Options) withDefaults() Options {
	if o.ProfileFetchDelay < 0 {
		o.ProfileFetchDelay = 0
	} else if o.ProfileFetchDelay == 0 {
		o.ProfileFetchDelay = defaultProfileFetchDelay
	}
	if o.ProfileFetchTimeout <= 0 {
		o.ProfileFetchTimeout = defaultProfileFetchTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if !o.FallbackRole.Valid() || o.FallbackRole == rbac.RoleAdmin {
		if o.FallbackRole != "" {
			o.Logger.Warn("auth fallback role rejected", slog.String("role", o.FallbackRole.String()))
		}
		o.FallbackRole = rbac.RoleUser
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	return o
}

// Store owns the authentication state of one browser session. State is
// written only by the store itself; every write after an asynchronous
// boundary is dropped once the store is disposed.
//
// Overlapping sign-in attempts are not serialized: the last auth event to
// arrive wins.
type Store struct {
	gw     Gateway
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	state     State
	listeners map[int]func(State)
	nextID    int

	alive       atomic.Bool
	initOnce    sync.Once
	disposeOnce sync.Once
	unsubscribe func()
	done        chan struct{}
	fetches     sync.WaitGroup
}

// NewStore constructs a store in the loading state. Call Init before use.
func NewStore(gw Gateway, opts Options) *Store {
	opts = opts.withDefaults()
	return &Store{
		gw:        gw,
		opts:      opts,
		logger:    opts.Logger,
		now:       time.Now,
		state:     State{Loading: true},
		listeners: make(map[int]func(State)),
		done:      make(chan struct{}),
	}
}

// Init subscribes to auth events and restores an existing session. It runs
// once; later calls return nil. A failed session lookup still leaves the
// store initialized and signed out.
func (s *Store) Init(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrStoreDisposed
	default:
	}
	var err error
	s.initOnce.Do(func() {
		s.alive.Store(true)
		s.unsubscribe = s.gw.SubscribeAuthEvents(s.handleEvent)

		sess, lookupErr := s.gw.GetCurrentSession(ctx)
		if lookupErr != nil {
			s.logger.Warn("auth session lookup failed", slog.Any("error", lookupErr))
			err = fmt.Errorf("auth: restore session: %w", lookupErr)
		}
		if sess != nil {
			// An expired access token is refreshed during the lookup, and the
			// resulting event may already have installed this identity.
			if !s.refresh(sess) {
				s.install(sess)
			}
			return
		}
		s.commit(func(st *State) bool {
			st.Loading = false
			st.Initialized = true
			return true
		})
	})
	return err
}

// Dispose tears down the event subscription. In-flight profile fetches are
// left to finish but their results are discarded.
func (s *Store) Dispose() {
	s.disposeOnce.Do(func() {
		s.alive.Store(false)
		close(s.done)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.mu.Lock()
		s.listeners = map[int]func(State){}
		s.mu.Unlock()
	})
}

// Alive reports whether the store accepts state changes.
func (s *Store) Alive() bool {
	return s.alive.Load()
}

// Wait blocks until background profile fetches have returned.
func (s *Store) Wait() {
	s.fetches.Wait()
}

// State returns a snapshot of the current state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Capabilities derives the capability set from the current state.
func (s *Store) Capabilities() rbac.CapabilitySet {
	return s.State().Capabilities()
}

// OnChange registers fn to receive every committed state and returns a
// function that removes it.
func (s *Store) OnChange(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// SignIn resolves username to an email through the active profiles and
// delegates password verification to the gateway. State changes arrive
// through the resulting auth event.
func (s *Store) SignIn(ctx context.Context, username, password string) error {
	if !s.Alive() {
		return ErrStoreDisposed
	}
	username = strings.TrimSpace(username)
	if username == "" {
		s.opts.Recorder.RecordSignIn("invalid")
		return ErrInvalidCredentials
	}
	profile, err := s.activeProfile(ctx, username)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			s.opts.Recorder.RecordSignIn("invalid")
			return ErrInvalidCredentials
		}
		s.opts.Recorder.RecordSignIn("error")
		return err
	}
	if profile.Email == "" {
		s.opts.Recorder.RecordSignIn("invalid")
		return ErrInvalidCredentials
	}
	if _, err := s.gw.SignInWithPassword(ctx, profile.Email, password); err != nil {
		s.opts.Recorder.RecordSignIn("rejected")
		return err
	}
	s.opts.Recorder.RecordSignIn("success")
	return nil
}

// SignUp registers an account unless an active profile already uses the
// username. The profile row is provisioned by the backend, which reports a
// username claimed in the meantime as ErrUsernameTaken too.
func (s *Store) SignUp(ctx context.Context, email, password string, fields ProfileFields) error {
	if !s.Alive() {
		return ErrStoreDisposed
	}
	fields.Username = strings.TrimSpace(fields.Username)
	_, err := s.activeProfile(ctx, fields.Username)
	switch {
	case err == nil:
		return ErrUsernameTaken
	case !errors.Is(err, gateway.ErrNotFound):
		return err
	}
	metadata := gateway.Metadata{
		"username":   fields.Username,
		"first_name": strings.TrimSpace(fields.FirstName),
		"last_name":  strings.TrimSpace(fields.LastName),
	}
	err = s.gw.SignUp(ctx, strings.TrimSpace(email), password, metadata, s.opts.SignUpRedirectURL)
	if errors.Is(err, gateway.ErrUsernameExists) {
		return ErrUsernameTaken
	}
	return err
}

// SignOut ends the session. Local state clears through the signed-out event.
func (s *Store) SignOut(ctx context.Context) error {
	return s.gw.SignOut(ctx)
}

// ResetPassword requests a recovery mail.
func (s *Store) ResetPassword(ctx context.Context, email string) error {
	return s.gw.SendPasswordReset(ctx, strings.TrimSpace(email), s.opts.ResetRedirectURL)
}

// CompletePasswordReset sets a new password from a recovery token.
func (s *Store) CompletePasswordReset(ctx context.Context, token, password string) error {
	return s.gw.CompleteRecovery(ctx, token, password)
}

// Revalidate asks the gateway for the current session, which refreshes an
// expired access token. A session that disappeared without an event is
// cleared here.
func (s *Store) Revalidate(ctx context.Context) error {
	if !s.Alive() {
		return ErrStoreDisposed
	}
	sess, err := s.gw.GetCurrentSession(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		s.commit(func(st *State) bool {
			if st.Identity == nil {
				return false
			}
			st.Identity, st.Session, st.Profile = nil, nil, nil
			return true
		})
		return nil
	}
	if !s.refresh(sess) {
		s.install(sess)
	}
	return nil
}

// Upload stores a file through the gateway on behalf of the signed-in user.
func (s *Store) Upload(ctx context.Context, key string, content io.Reader, contentType string) (string, error) {
	if !s.State().Authenticated() {
		return "", ErrUnauthorized
	}
	return s.gw.Upload(ctx, key, content, contentType)
}

func (s *Store) handleEvent(evt gateway.AuthEvent) {
	if !s.Alive() {
		return
	}
	switch evt.Kind {
	case gateway.EventSignedIn:
		if evt.Session != nil {
			s.install(evt.Session)
		}
	case gateway.EventTokenRefreshed:
		if evt.Session != nil && !s.refresh(evt.Session) {
			s.install(evt.Session)
		}
	case gateway.EventSignedOut:
		s.clear()
	}
}

// refresh swaps in a renewed session when the store already holds its
// identity, keeping the profile. It reports false when another identity or
// none is held.
func (s *Store) refresh(sess *gateway.Session) bool {
	return s.commit(func(st *State) bool {
		if st.Identity == nil || st.Identity.ID != sess.Identity.ID {
			return false
		}
		identity := sess.Identity
		st.Identity = &identity
		st.Session = sess
		st.Loading = false
		st.Initialized = true
		return true
	})
}

// install commits identity, session and a fallback profile in one update,
// then schedules the authoritative fetch.
func (s *Store) install(sess *gateway.Session) {
	identity := sess.Identity
	fallback := fallbackProfile(identity, s.opts.FallbackRole, s.now())
	ok := s.commit(func(st *State) bool {
		st.Identity = &identity
		st.Session = sess
		st.Profile = applyOptimistic(st.Profile, fallback)
		st.Loading = false
		st.Initialized = true
		return true
	})
	if ok {
		s.scheduleProfileFetch(identity.ID)
	}
}

func (s *Store) clear() {
	s.commit(func(st *State) bool {
		st.Identity = nil
		st.Session = nil
		st.Profile = nil
		st.Loading = false
		st.Initialized = true
		return true
	})
}

func (s *Store) scheduleProfileFetch(id string) {
	s.fetches.Add(1)
	go func() {
		defer s.fetches.Done()
		if s.opts.ProfileFetchDelay > 0 {
			timer := time.NewTimer(s.opts.ProfileFetchDelay)
			select {
			case <-timer.C:
			case <-s.done:
				timer.Stop()
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ProfileFetchTimeout)
		defer cancel()

		profile, err := s.fetchProfile(ctx, id)
		if err != nil {
			s.opts.Recorder.RecordProfileFetch("failed")
			s.logger.Warn("auth profile fetch failed, keeping fallback",
				slog.String("user_id", id), slog.Any("error", err))
			return
		}
		committed := s.commit(func(st *State) bool {
			if st.Identity == nil || st.Identity.ID != id {
				return false
			}
			st.Profile = applyConfirmed(st.Profile, profile)
			return true
		})
		if committed {
			s.opts.Recorder.RecordProfileFetch("confirmed")
		} else {
			s.opts.Recorder.RecordProfileFetch("discarded")
		}
	}()
}

func (s *Store) fetchProfile(ctx context.Context, id string) (Profile, error) {
	row, err := s.gw.QueryRow(ctx, ProfilesTable, gateway.Filter{"id": id})
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrProfileFetchFailed, err)
	}
	var profile Profile
	if err := row.Decode(&profile); err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrProfileFetchFailed, err)
	}
	return profile, nil
}

func (s *Store) activeProfile(ctx context.Context, username string) (Profile, error) {
	row, err := s.gw.QueryRow(ctx, ProfilesTable, gateway.Filter{"username": username, "is_active": true})
	if err != nil {
		return Profile{}, err
	}
	var profile Profile
	if err := row.Decode(&profile); err != nil {
		return Profile{}, fmt.Errorf("auth: decode profile: %w", err)
	}
	return profile, nil
}

// commit applies fn and notifies listeners when fn reports a change. It
// reports false without touching state when the store is not alive.
func (s *Store) commit(fn func(*State) bool) bool {
	s.mu.Lock()
	if !s.alive.Load() {
		s.mu.Unlock()
		return false
	}
	if !fn(&s.state) {
		s.mu.Unlock()
		return false
	}
	snapshot := s.state
	listeners := make([]func(State), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
	return true
}
