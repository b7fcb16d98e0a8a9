package sqlguard

import (
	"context"
	"strings"
)

type recipientCtxKey string

const (
	recipientOverrideKey recipientCtxKey = "sqlguard_notify_email"
	adminIDKey           recipientCtxKey = "sqlguard_admin_id"
	loginIdentityKey     recipientCtxKey = "sqlguard_login_identity"
)

// RecipientResolver yields an optional email recipient override for the
// current request. An empty result means "use the configured default".
type RecipientResolver interface {
	ResolveRecipient(ctx context.Context) string
}

type RecipientResolverFunc func(ctx context.Context) string

func (f RecipientResolverFunc) ResolveRecipient(ctx context.Context) string {
	return f(ctx)
}

func WithRecipientOverride(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, recipientOverrideKey, strings.TrimSpace(email))
}

func WithAdminID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, adminIDKey, strings.TrimSpace(id))
}

func WithLoginIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, loginIdentityKey, strings.TrimSpace(identity))
}

func ctxString(ctx context.Context, key recipientCtxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

func isEmailLike(s string) bool {
	return strings.Contains(s, "@")
}

// AdminDirectory maps admin ids to their notification address.
type AdminDirectory map[string]string

func (d AdminDirectory) ResolveRecipient(ctx context.Context) string {
	id := ctxString(ctx, adminIDKey)
	if id == "" {
		return ""
	}
	return d[id]
}

// ChainResolver returns the first email-like answer of its resolvers.
type ChainResolver []RecipientResolver

func (c ChainResolver) ResolveRecipient(ctx context.Context) string {
	for _, r := range c {
		if r == nil {
			continue
		}
		if v := strings.TrimSpace(r.ResolveRecipient(ctx)); isEmailLike(v) {
			return v
		}
	}
	return ""
}

// NewRecipientResolver builds the lookup chain: request override, admin id
// lookup in dir, then the authenticated login identity.
func NewRecipientResolver(dir AdminDirectory) RecipientResolver {
	return ChainResolver{
		RecipientResolverFunc(func(ctx context.Context) string { return ctxString(ctx, recipientOverrideKey) }),
		dir,
		RecipientResolverFunc(func(ctx context.Context) string { return ctxString(ctx, loginIdentityKey) }),
	}
}
