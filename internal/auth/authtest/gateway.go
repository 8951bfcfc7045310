// Package authtest provides an in-memory gateway for exercising auth stores.
package authtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/equiptrack/internal/gateway"
)

// Gateway is an in-memory auth.Gateway. Rows are matched against filters by
// their JSON field values.
type Gateway struct {
	events *gateway.Emitter

	mu         sync.Mutex
	session    *gateway.Session
	sessionErr error
	users      map[string]user
	rows       []map[string]any
	queryErr   error
	queryGate  chan struct{}
	leaky      bool
	refresh    bool
	signUpErr  error

	SignInCalls   int
	SignUpCalls   int
	SignOutCalls  int
	SignUps       []SignUpCall
	Resets        []ResetCall
	Uploads       map[string][]byte
	UploadErr     error
	QueriedTables []string
}

// SignUpCall records the arguments of one SignUp.
type SignUpCall struct {
	Email      string
	Metadata   gateway.Metadata
	RedirectTo string
}

// ResetCall records the arguments of one SendPasswordReset.
type ResetCall struct {
	Email      string
	RedirectTo string
}

type user struct {
	identity gateway.Identity
	password string
}

// New returns an empty gateway.
func New() *Gateway {
	return &Gateway{
		events:  gateway.NewEmitter(),
		users:   make(map[string]user),
		Uploads: make(map[string][]byte),
	}
}

// AddUser registers an account and its active profile row.
func (g *Gateway) AddUser(identity gateway.Identity, password, username, role string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[identity.Email] = user{identity: identity, password: password}
	g.rows = append(g.rows, map[string]any{
		"id":         identity.ID,
		"username":   username,
		"email":      identity.Email,
		"first_name": identity.Metadata.String("first_name"),
		"last_name":  identity.Metadata.String("last_name"),
		"role":       role,
		"is_active":  true,
	})
}

// AddRow appends a raw profile row.
func (g *Gateway) AddRow(row map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rows = append(g.rows, row)
}

// SetSession sets the session returned by GetCurrentSession.
func (g *Gateway) SetSession(sess *gateway.Session, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = sess
	g.sessionErr = err
}

// FailQueries makes every QueryRow return err.
func (g *Gateway) FailQueries(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryErr = err
}

// HoldQueries blocks QueryRow until the returned release function runs.
func (g *Gateway) HoldQueries() (release func()) {
	gate := make(chan struct{})
	g.mu.Lock()
	g.queryGate = gate
	g.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// RefreshOnLookup makes GetCurrentSession emit TOKEN_REFRESHED for the
// session it returns, the way the gateway client does for an expired access
// token.
func (g *Gateway) RefreshOnLookup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refresh = true
}

// FailSignUp makes every SignUp return err after recording the call.
func (g *Gateway) FailSignUp(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signUpErr = err
}

// KeepSubscribers turns unsubscribe into a no-op so events keep reaching
// disposed stores.
func (g *Gateway) KeepSubscribers() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaky = true
}

// Emit delivers evt to subscribers.
func (g *Gateway) Emit(evt gateway.AuthEvent) {
	g.events.Emit(evt)
}

// Subscribers returns the number of live subscribers.
func (g *Gateway) Subscribers() int {
	return g.events.Len()
}

// GetCurrentSession implements auth.Gateway.
func (g *Gateway) GetCurrentSession(context.Context) (*gateway.Session, error) {
	g.mu.Lock()
	sess, err, refresh := g.session, g.sessionErr, g.refresh
	g.mu.Unlock()
	if refresh && sess != nil {
		g.events.Emit(gateway.AuthEvent{Kind: gateway.EventTokenRefreshed, Session: sess})
	}
	return sess, err
}

// SubscribeAuthEvents implements auth.Gateway.
func (g *Gateway) SubscribeAuthEvents(h gateway.Handler) func() {
	id := g.events.Subscribe(h)
	return func() {
		g.mu.Lock()
		leaky := g.leaky
		g.mu.Unlock()
		if !leaky {
			g.events.Unsubscribe(id)
		}
	}
}

// SignInWithPassword implements auth.Gateway.
func (g *Gateway) SignInWithPassword(_ context.Context, email, password string) (*gateway.Session, error) {
	sess, err := g.authenticate(email, password)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.session = sess
	g.mu.Unlock()

	g.events.Emit(gateway.AuthEvent{Kind: gateway.EventSignedIn, Session: sess})
	return sess, nil
}

func (g *Gateway) authenticate(email, password string) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SignInCalls++
	u, ok := g.users[email]
	if !ok || u.password != password {
		return nil, gateway.ErrInvalidGrant
	}
	return NewSession(u.identity, time.Hour), nil
}

// SignUp implements auth.Gateway.
func (g *Gateway) SignUp(_ context.Context, email, password string, metadata gateway.Metadata, redirectTo string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SignUpCalls++
	g.SignUps = append(g.SignUps, SignUpCall{Email: email, Metadata: metadata, RedirectTo: redirectTo})
	if g.signUpErr != nil {
		return g.signUpErr
	}
	if _, ok := g.users[email]; ok {
		return gateway.ErrUserExists
	}
	g.users[email] = user{
		identity: gateway.Identity{ID: uuid.NewString(), Email: email, Metadata: metadata},
		password: password,
	}
	return nil
}

// SignOut implements auth.Gateway.
func (g *Gateway) SignOut(context.Context) error {
	g.mu.Lock()
	g.SignOutCalls++
	g.session = nil
	g.mu.Unlock()
	g.events.Emit(gateway.AuthEvent{Kind: gateway.EventSignedOut})
	return nil
}

// Browser returns a view of g with its own session and auth event stream,
// the way each browser session gets its own gateway client. Accounts, rows
// and call records stay shared with g.
func (g *Gateway) Browser() *Browser {
	return &Browser{root: g, events: gateway.NewEmitter()}
}

// Browser is a per-browser-session auth.Gateway backed by a shared Gateway.
type Browser struct {
	root   *Gateway
	events *gateway.Emitter

	mu      sync.Mutex
	session *gateway.Session
}

// GetCurrentSession implements auth.Gateway.
func (b *Browser) GetCurrentSession(context.Context) (*gateway.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session, nil
}

// SubscribeAuthEvents implements auth.Gateway.
func (b *Browser) SubscribeAuthEvents(h gateway.Handler) func() {
	id := b.events.Subscribe(h)
	return func() { b.events.Unsubscribe(id) }
}

// SignInWithPassword implements auth.Gateway.
func (b *Browser) SignInWithPassword(_ context.Context, email, password string) (*gateway.Session, error) {
	sess, err := b.root.authenticate(email, password)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.session = sess
	b.mu.Unlock()
	b.events.Emit(gateway.AuthEvent{Kind: gateway.EventSignedIn, Session: sess})
	return sess, nil
}

// SignUp implements auth.Gateway.
func (b *Browser) SignUp(ctx context.Context, email, password string, metadata gateway.Metadata, redirectTo string) error {
	return b.root.SignUp(ctx, email, password, metadata, redirectTo)
}

// SignOut implements auth.Gateway.
func (b *Browser) SignOut(context.Context) error {
	b.root.mu.Lock()
	b.root.SignOutCalls++
	b.root.mu.Unlock()
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
	b.events.Emit(gateway.AuthEvent{Kind: gateway.EventSignedOut})
	return nil
}

// SendPasswordReset implements auth.Gateway.
func (b *Browser) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	return b.root.SendPasswordReset(ctx, email, redirectTo)
}

// CompleteRecovery implements auth.Gateway.
func (b *Browser) CompleteRecovery(ctx context.Context, token, password string) error {
	return b.root.CompleteRecovery(ctx, token, password)
}

// QueryRow implements auth.Gateway.
func (b *Browser) QueryRow(ctx context.Context, table string, filter gateway.Filter) (gateway.Row, error) {
	return b.root.QueryRow(ctx, table, filter)
}

// Upload implements auth.Gateway.
func (b *Browser) Upload(ctx context.Context, key string, content io.Reader, contentType string) (string, error) {
	return b.root.Upload(ctx, key, content, contentType)
}

// SendPasswordReset implements auth.Gateway.
func (g *Gateway) SendPasswordReset(_ context.Context, email, redirectTo string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Resets = append(g.Resets, ResetCall{Email: email, RedirectTo: redirectTo})
	return nil
}

// CompleteRecovery implements auth.Gateway.
func (g *Gateway) CompleteRecovery(_ context.Context, token, _ string) error {
	if token == "" {
		return gateway.ErrInvalidGrant
	}
	return nil
}

// QueryRow implements auth.Gateway.
func (g *Gateway) QueryRow(ctx context.Context, table string, filter gateway.Filter) (gateway.Row, error) {
	g.mu.Lock()
	g.QueriedTables = append(g.QueriedTables, table)
	gate := g.queryGate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	for _, row := range g.rows {
		if matches(row, filter) {
			data, err := json.Marshal(row)
			if err != nil {
				return nil, err
			}
			return gateway.Row(data), nil
		}
	}
	return nil, gateway.ErrNotFound
}

// Upload implements auth.Gateway.
func (g *Gateway) Upload(_ context.Context, key string, content io.Reader, _ string) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, content); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.UploadErr != nil {
		return "", g.UploadErr
	}
	g.Uploads[key] = buf.Bytes()
	return "https://objects.test/" + key, nil
}

func matches(row map[string]any, filter gateway.Filter) bool {
	for column, want := range filter {
		if fmt.Sprint(row[column]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// NewSession builds a session for identity expiring after ttl.
func NewSession(identity gateway.Identity, ttl time.Duration) *gateway.Session {
	return &gateway.Session{
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    time.Now().Add(ttl),
		Identity:     identity,
	}
}
