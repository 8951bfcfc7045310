package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/equiptrack/internal/shared"
)

// GatewayFactory builds the gateway client of one browser session.
type GatewayFactory func(browserSessionID string) Gateway

// Registry keeps one Store per browser session. Idle stores are evicted and
// disposed; concurrent first requests of a session share one Init.
type Registry struct {
	factory GatewayFactory
	opts    Options
	logger  *slog.Logger
	cache   *expirable.LRU[string, *Store]
	group   singleflight.Group
}

// NewRegistry constructs a Registry holding up to capacity stores, each
// disposed after idle without use.
func NewRegistry(factory GatewayFactory, opts Options, capacity int, idle time.Duration) *Registry {
	if capacity <= 0 {
		capacity = 10000
	}
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{factory: factory, opts: opts, logger: logger}
	r.cache = expirable.NewLRU[string, *Store](capacity, func(_ string, s *Store) {
		s.Dispose()
	}, idle)
	return r
}

// Store returns the initialized store of a browser session, creating it on
// first use. Access renews the idle timer.
func (r *Registry) Store(ctx context.Context, browserSessionID string) (*Store, error) {
	if browserSessionID == "" {
		return nil, ErrSessionMissing
	}
	if s, ok := r.cache.Get(browserSessionID); ok && s.Alive() {
		r.cache.Add(browserSessionID, s)
		return s, nil
	}
	v, err, _ := r.group.Do(browserSessionID, func() (any, error) {
		if s, ok := r.cache.Peek(browserSessionID); ok && s.Alive() {
			return s, nil
		}
		s := NewStore(r.factory(browserSessionID), r.opts)
		if err := s.Init(ctx); err != nil {
			s.Dispose()
			return nil, err
		}
		r.cache.Add(browserSessionID, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

// StoreFor resolves the store of the browser session attached to req.
func (r *Registry) StoreFor(req *http.Request) (*Store, error) {
	sess := shared.SessionFromContext(req.Context())
	if sess == nil {
		return nil, ErrSessionMissing
	}
	return r.Store(req.Context(), sess.ID)
}

// Lookup returns the live store of a browser session without creating one.
func (r *Registry) Lookup(browserSessionID string) (*Store, bool) {
	s, ok := r.cache.Peek(browserSessionID)
	if !ok || !s.Alive() {
		return nil, false
	}
	return s, true
}

// Evict disposes the store of a browser session.
func (r *Registry) Evict(browserSessionID string) {
	if r.cache.Remove(browserSessionID) {
		r.logger.Debug("auth store evicted", slog.String("session", browserSessionID))
	}
}

// Len returns the number of live stores.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close disposes every store and waits for their background fetches.
func (r *Registry) Close() {
	stores := r.cache.Values()
	r.cache.Purge()
	for _, s := range stores {
		s.Wait()
	}
}
