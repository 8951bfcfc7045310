package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Platform is the set of Backend operations a Client relies on.
type Platform interface {
	PasswordGrant(ctx context.Context, email, password string) (*Session, error)
	RefreshGrant(ctx context.Context, refreshToken string) (*Session, error)
	Revoke(ctx context.Context, refreshToken string) error
	VerifyAccess(token string) (*Claims, error)
	Register(ctx context.Context, email, password string, metadata Metadata, redirectTo string) error
	Recover(ctx context.Context, email, redirectTo string) error
	CompleteRecovery(ctx context.Context, token, password string) error
	Row(ctx context.Context, table string, filter Filter) (Row, error)
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) (string, error)
}

// TokenStorage persists the session of one browser.
type TokenStorage interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Clear(ctx context.Context) error
}

// Client is the gateway as seen by one browser session. It keeps the token
// pair in TokenStorage and announces every session change to subscribers.
type Client struct {
	platform Platform
	storage  TokenStorage
	events   *Emitter
	logger   *slog.Logger
	skew     time.Duration
	now      func() time.Time

	// mu serialises token rotation; refresh tokens are single use.
	mu sync.Mutex
}

// NewClient binds platform to storage.
func NewClient(platform Platform, storage TokenStorage, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		platform: platform,
		storage:  storage,
		events:   NewEmitter(),
		logger:   logger,
		skew:     10 * time.Second,
		now:      time.Now,
	}
}

// GetCurrentSession returns the stored session, refreshing it when the access
// token has expired. It returns nil without error when nobody is signed in.
// A session that can no longer be refreshed is cleared and announced as
// EventSignedOut.
func (c *Client) GetCurrentSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	sess, evt, err := c.currentLocked(ctx)
	c.mu.Unlock()
	if evt != nil {
		c.events.Emit(*evt)
	}
	return sess, err
}

func (c *Client) currentLocked(ctx context.Context) (*Session, *AuthEvent, error) {
	sess, err := c.storage.Load(ctx)
	if err != nil || sess == nil {
		return nil, nil, err
	}
	if !sess.Expired(c.now(), c.skew) {
		_, err := c.platform.VerifyAccess(sess.AccessToken)
		switch {
		case err == nil:
			return sess, nil, nil
		case !errors.Is(err, ErrTokenExpired):
			return nil, c.dropLocked(ctx, "access token rejected", err), nil
		}
	}
	refreshed, err := c.platform.RefreshGrant(ctx, sess.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			return nil, c.dropLocked(ctx, "refresh token rejected", err), nil
		}
		return nil, nil, err
	}
	if err := c.storage.Save(ctx, refreshed); err != nil {
		return nil, nil, err
	}
	return refreshed, &AuthEvent{Kind: EventTokenRefreshed, Session: refreshed}, nil
}

func (c *Client) dropLocked(ctx context.Context, reason string, cause error) *AuthEvent {
	c.logger.Info("gateway session invalidated", slog.String("reason", reason), slog.Any("error", cause))
	if err := c.storage.Clear(ctx); err != nil {
		c.logger.Warn("gateway clear token storage", slog.Any("error", err))
	}
	return &AuthEvent{Kind: EventSignedOut}
}

// SubscribeAuthEvents registers h and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (c *Client) SubscribeAuthEvents(h Handler) func() {
	id := c.events.Subscribe(h)
	var once sync.Once
	return func() {
		once.Do(func() { c.events.Unsubscribe(id) })
	}
}

// SignInWithPassword opens a session and announces EventSignedIn.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	sess, err := c.platform.PasswordGrant(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	err = c.storage.Save(ctx, sess)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.events.Emit(AuthEvent{Kind: EventSignedIn, Session: sess})
	return sess, nil
}

// SignUp registers an account. The session is not opened until the account
// is confirmed and the user signs in.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata Metadata, redirectTo string) error {
	return c.platform.Register(ctx, email, password, metadata, redirectTo)
}

// SignOut revokes the refresh token and clears storage. EventSignedOut is
// emitted even when revocation fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	var errs []error
	sess, err := c.storage.Load(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if sess != nil {
		if err := c.platform.Revoke(ctx, sess.RefreshToken); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.storage.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	c.mu.Unlock()

	c.events.Emit(AuthEvent{Kind: EventSignedOut})
	return errors.Join(errs...)
}

// SendPasswordReset queues a recovery mail linking to redirectTo.
func (c *Client) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	return c.platform.Recover(ctx, email, redirectTo)
}

// CompleteRecovery sets a new password using a recovery token.
func (c *Client) CompleteRecovery(ctx context.Context, token, password string) error {
	return c.platform.CompleteRecovery(ctx, token, password)
}

// QueryRow returns the first row of table matching filter, or ErrNotFound.
func (c *Client) QueryRow(ctx context.Context, table string, filter Filter) (Row, error) {
	return c.platform.Row(ctx, table, filter)
}

// Upload stores an object and returns its public URL.
func (c *Client) Upload(ctx context.Context, key string, content io.Reader, contentType string) (string, error) {
	return c.platform.PutObject(ctx, key, content, contentType)
}
