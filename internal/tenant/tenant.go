// Package tenant carries the tenant id through request contexts and
// resolves external account keys to tenant ids.
package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rotisserie/eris"
)

// ErrUnresolved is returned when an external key maps to no tenant.
var ErrUnresolved = errors.New("tenant: key not resolvable")

type ctxKey struct{}

// WithID returns a context carrying tenantID.
func WithID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext returns the tenant id stored by WithID.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// LookupFunc maps an external key to a tenant id. It returns ErrUnresolved
// when the key is unknown.
type LookupFunc func(ctx context.Context, key string) (string, error)

// StaticLookup resolves keys from a fixed map.
func StaticLookup(keys map[string]string) LookupFunc {
	return func(_ context.Context, key string) (string, error) {
		if id, ok := keys[key]; ok && id != "" {
			return id, nil
		}
		return "", ErrUnresolved
	}
}

// Resolver resolves external keys through lookup, remembering successful
// answers for ttl in a bounded LRU owned by the Resolver.
type Resolver struct {
	lookup LookupFunc
	cache  *expirable.LRU[string, string]
}

// NewResolver creates a Resolver holding at most size entries.
func NewResolver(lookup LookupFunc, size int, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		lookup: lookup,
		cache:  expirable.NewLRU[string, string](size, nil, ttl),
	}
}

// Resolve returns the tenant id for key. Failed lookups are not cached.
func (r *Resolver) Resolve(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrUnresolved
	}
	if id, ok := r.cache.Get(key); ok {
		return id, nil
	}
	id, err := r.lookup(ctx, key)
	if errors.Is(err, ErrUnresolved) {
		return "", err
	}
	if err != nil {
		return "", eris.Wrapf(err, "tenant: resolve %s", key)
	}
	if id == "" {
		return "", ErrUnresolved
	}
	r.cache.Add(key, id)
	return id, nil
}

// Len reports the number of cached keys.
func (r *Resolver) Len() int {
	return r.cache.Len()
}
