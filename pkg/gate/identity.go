package gate

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/talentkit/entitlement/pkg/entitlement"
)

// Identity is the resolved caller for one request.
type Identity struct {
	Account *entitlement.Account
	Admin   bool
}

// IdentityResolver extracts the caller identity from a request. Returning
// ErrNoIdentity means the request is anonymous; that is not a gate failure,
// the identity layer owns authentication.
type IdentityResolver interface {
	Resolve(ctx context.Context, r *http.Request) (*Identity, error)
}

type ctxKey struct{}

// WithIdentity stores a resolved identity on the context, for setups where
// an upstream auth middleware resolves the caller before the gate runs.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok && id != nil
}

// ContextResolver resolves identity from the request context. The default
// resolver; pairs with an auth middleware calling WithIdentity.
type ContextResolver struct{}

func (ContextResolver) Resolve(ctx context.Context, r *http.Request) (*Identity, error) {
	if id, ok := IdentityFromContext(ctx); ok {
		return id, nil
	}
	return nil, ErrNoIdentity
}

// HeaderResolver resolves identity from request headers against the store.
// For development and integration tests, not production traffic.
type HeaderResolver struct {
	Store entitlement.AccountStore
}

func (h HeaderResolver) Resolve(ctx context.Context, r *http.Request) (*Identity, error) {
	raw := r.Header.Get("X-Account-ID")
	if raw == "" {
		return nil, ErrNoIdentity
	}
	accountID, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.Join(ErrUnknownAccount, err)
	}
	account, err := h.Store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, entitlement.ErrAccountNotFound) {
			return nil, ErrUnknownAccount
		}
		return nil, err
	}
	return &Identity{
		Account: account,
		Admin:   strings.EqualFold(r.Header.Get("X-Admin"), "true"),
	}, nil
}
