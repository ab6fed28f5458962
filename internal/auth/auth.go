package auth

import (
	"context"
	"errors"
	"strings"
)

var ErrAuthRequired = errors.New("sign-in required")

// Identity is the signed-in user, or the zero value for anonymous callers.
type Identity struct {
	UserID string `json:"user_id,omitempty"`
}

func (i Identity) SignedIn() bool { return strings.TrimSpace(i.UserID) != "" }

// Authorizer decides whether the caller of ctx may use a protected action.
type Authorizer interface {
	Authorize(ctx context.Context) (Identity, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context) (Identity, error)

func (f AuthorizerFunc) Authorize(ctx context.Context) (Identity, error) { return f(ctx) }

// Require fails with ErrAuthRequired for anonymous identities.
func Require(id Identity) error {
	if !id.SignedIn() {
		return ErrAuthRequired
	}
	return nil
}

type ctxKey int

const ctxKeyIdentity ctxKey = iota

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// FromContext returns the identity stored in ctx, anonymous if none.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(ctxKeyIdentity).(Identity); ok {
		return id
	}
	return Identity{}
}

// ContextAuthorizer authorizes the identity carried by the request context.
var ContextAuthorizer = AuthorizerFunc(func(ctx context.Context) (Identity, error) {
	id := FromContext(ctx)
	return id, Require(id)
})

// Static always authorizes the same identity. Used by the CLI.
func Static(id Identity) Authorizer {
	return AuthorizerFunc(func(context.Context) (Identity, error) {
		return id, Require(id)
	})
}
