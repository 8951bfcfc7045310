package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
)

var tracer = otel.Tracer("github.com/odyssey-erp/equiptrack/internal/gateway")

// Mail is an outgoing transactional message.
type Mail struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers transactional mail, usually by queueing it.
type Mailer interface {
	Send(ctx context.Context, mail Mail) error
}

// ObjectPutter uploads objects and returns their public URL.
type ObjectPutter interface {
	Put(ctx context.Context, key string, content io.Reader, contentType string) (string, error)
}

// BackendConfig tunes platform behaviour.
type BackendConfig struct {
	RefreshTTL          time.Duration
	VerifyTTL           time.Duration
	RequireConfirmation bool
	// SiteURL prefixes links in verification mail, e.g. https://assets.example.com.
	SiteURL           string
	Tables            []string
	MinPasswordLength int
	DefaultRole       string
}

// BackendDeps groups Backend collaborators.
type BackendDeps struct {
	DB        Querier
	Directory Directory
	Redis     *redis.Client
	Tokens    *Tokens
	Mailer    Mailer
	Objects   ObjectPutter
	Logger    *slog.Logger
	Config    BackendConfig
}

// Backend is the platform side of the gateway.
type Backend struct {
	db        Querier
	directory Directory
	tokens    *Tokens
	refresh   vault
	confirm   vault
	recovery  vault
	mailer    Mailer
	objects   ObjectPutter
	logger    *slog.Logger
	tables    map[string]struct{}
	cfg       BackendConfig
	now       func() time.Time
}

type refreshGrant struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type verifyGrant struct {
	UserID     string `json:"user_id"`
	RedirectTo string `json:"redirect_to,omitempty"`
}

// NewBackend wires a Backend.
func NewBackend(deps BackendDeps) *Backend {
	cfg := deps.Config
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.VerifyTTL <= 0 {
		cfg.VerifyTTL = 24 * time.Hour
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = 6
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "user"
	}
	directory := deps.Directory
	if directory == nil && deps.DB != nil {
		directory = NewPGDirectory(deps.DB)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tables := make(map[string]struct{}, len(cfg.Tables))
	for _, t := range cfg.Tables {
		tables[strings.TrimSpace(t)] = struct{}{}
	}
	return &Backend{
		db:        deps.DB,
		directory: directory,
		tokens:    deps.Tokens,
		refresh:   newVault(deps.Redis, "gateway:refresh:", cfg.RefreshTTL),
		confirm:   newVault(deps.Redis, "gateway:confirm:", cfg.VerifyTTL),
		recovery:  newVault(deps.Redis, "gateway:recovery:", cfg.VerifyTTL),
		mailer:    deps.Mailer,
		objects:   deps.Objects,
		logger:    logger,
		tables:    tables,
		cfg:       cfg,
		now:       time.Now,
	}
}

// PasswordGrant verifies credentials and opens a new session.
func (b *Backend) PasswordGrant(ctx context.Context, email, password string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "gateway.PasswordGrant")
	defer span.End()

	user, err := b.directory.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, endSpan(span, ErrInvalidGrant)
		}
		return nil, endSpan(span, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, endSpan(span, ErrInvalidGrant)
	}
	if b.cfg.RequireConfirmation && user.ConfirmedAt == nil {
		return nil, endSpan(span, ErrEmailNotConfirmed)
	}
	span.SetAttributes(attribute.String("user.id", user.ID))
	sess, err := b.issueSession(ctx, user.Identity(), uuid.NewString())
	return sess, endSpan(span, err)
}

// RefreshGrant rotates a refresh token into a new session. The account is
// reloaded so role or metadata changes reach the new access token.
func (b *Backend) RefreshGrant(ctx context.Context, refreshToken string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "gateway.RefreshGrant")
	defer span.End()

	var grant refreshGrant
	if err := b.refresh.take(ctx, refreshToken, &grant); err != nil {
		return nil, endSpan(span, err)
	}
	user, err := b.directory.FindByID(ctx, grant.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, endSpan(span, ErrInvalidGrant)
		}
		return nil, endSpan(span, err)
	}
	sess, err := b.issueSession(ctx, user.Identity(), grant.SessionID)
	return sess, endSpan(span, err)
}

// Revoke invalidates a refresh token.
func (b *Backend) Revoke(ctx context.Context, refreshToken string) error {
	return b.refresh.drop(ctx, refreshToken)
}

// VerifyAccess validates an access token.
func (b *Backend) VerifyAccess(token string) (*Claims, error) {
	return b.tokens.Verify(token)
}

// Register creates an account carrying metadata. When confirmation is
// required a confirmation mail pointing back to redirectTo is queued.
func (b *Backend) Register(ctx context.Context, email, password string, metadata Metadata, redirectTo string) error {
	ctx, span := tracer.Start(ctx, "gateway.Register")
	defer span.End()

	if len(password) < b.cfg.MinPasswordLength {
		return endSpan(span, ErrWeakPassword)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return endSpan(span, fmt.Errorf("gateway: hash password: %w", err))
	}
	user, err := b.directory.Create(ctx, email, string(hash), b.cfg.DefaultRole, metadata)
	if err != nil {
		return endSpan(span, err)
	}
	if !b.cfg.RequireConfirmation {
		return endSpan(span, b.directory.Confirm(ctx, user.ID, b.now()))
	}
	token, err := b.confirm.put(ctx, verifyGrant{UserID: user.ID, RedirectTo: redirectTo})
	if err != nil {
		return endSpan(span, err)
	}
	link := b.siteLink("/gateway/verify", url.Values{"type": {"signup"}, "token": {token}})
	return endSpan(span, b.sendMail(ctx, Mail{
		To:      user.Email,
		Subject: "Confirm your account",
		Body:    "Follow this link to confirm your account:\n\n" + link + "\n",
	}))
}

// ConfirmSignup redeems a confirmation token and returns the redirect target
// recorded at sign-up.
func (b *Backend) ConfirmSignup(ctx context.Context, token string) (string, error) {
	var grant verifyGrant
	if err := b.confirm.take(ctx, token, &grant); err != nil {
		return "", err
	}
	if err := b.directory.Confirm(ctx, grant.UserID, b.now()); err != nil {
		return "", err
	}
	return grant.RedirectTo, nil
}

// Recover queues a password recovery mail. Unknown emails succeed silently.
func (b *Backend) Recover(ctx context.Context, email, redirectTo string) error {
	ctx, span := tracer.Start(ctx, "gateway.Recover")
	defer span.End()

	user, err := b.directory.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return endSpan(span, err)
	}
	token, err := b.recovery.put(ctx, verifyGrant{UserID: user.ID, RedirectTo: redirectTo})
	if err != nil {
		return endSpan(span, err)
	}
	link, err := withQuery(redirectTo, url.Values{"token": {token}})
	if err != nil {
		return endSpan(span, err)
	}
	return endSpan(span, b.sendMail(ctx, Mail{
		To:      user.Email,
		Subject: "Reset your password",
		Body:    "Follow this link to choose a new password:\n\n" + link + "\n",
	}))
}

// CompleteRecovery redeems a recovery token and sets a new password. The
// account counts as confirmed afterwards since the mail was received.
func (b *Backend) CompleteRecovery(ctx context.Context, token, password string) error {
	if len(password) < b.cfg.MinPasswordLength {
		return ErrWeakPassword
	}
	var grant verifyGrant
	if err := b.recovery.take(ctx, token, &grant); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("gateway: hash password: %w", err)
	}
	if err := b.directory.SetPassword(ctx, grant.UserID, string(hash)); err != nil {
		return err
	}
	return b.directory.Confirm(ctx, grant.UserID, b.now())
}

// Row returns the first row of table matching filter.
func (b *Backend) Row(ctx context.Context, table string, filter Filter) (Row, error) {
	ctx, span := tracer.Start(ctx, "gateway.Row", trace.WithAttributes(attribute.String("db.table", table)))
	defer span.End()

	if _, ok := b.tables[table]; !ok {
		return nil, endSpan(span, ErrTableNotAllowed)
	}
	row, err := queryRow(ctx, b.db, table, filter)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return row, endSpan(span, err)
}

// PutObject stores an object and returns its public URL.
func (b *Backend) PutObject(ctx context.Context, key string, content io.Reader, contentType string) (string, error) {
	if b.objects == nil {
		return "", ErrStorageDisabled
	}
	return b.objects.Put(ctx, key, content, contentType)
}

// PruneUnconfirmed removes accounts left unconfirmed for longer than age.
func (b *Backend) PruneUnconfirmed(ctx context.Context, age time.Duration) (int64, error) {
	return b.directory.PruneUnconfirmed(ctx, b.now().Add(-age))
}

func (b *Backend) issueSession(ctx context.Context, identity Identity, sessionID string) (*Session, error) {
	access, expiresAt, err := b.tokens.Issue(identity, sessionID)
	if err != nil {
		return nil, err
	}
	refresh, err := b.refresh.put(ctx, refreshGrant{UserID: identity.ID, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt, Identity: identity}, nil
}

func (b *Backend) sendMail(ctx context.Context, mail Mail) error {
	if b.mailer == nil {
		b.logger.Warn("gateway mailer not configured", slog.String("subject", mail.Subject))
		return nil
	}
	if err := b.mailer.Send(ctx, mail); err != nil {
		return fmt.Errorf("gateway: send mail: %w", err)
	}
	return nil
}

func (b *Backend) siteLink(path string, query url.Values) string {
	return strings.TrimRight(b.cfg.SiteURL, "/") + path + "?" + query.Encode()
}

func withQuery(raw string, query url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("gateway: parse redirect: %w", err)
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
