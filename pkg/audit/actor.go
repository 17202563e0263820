package audit

import (
	"context"
	"strings"

	"github.com/platinummonkey/audittrail/pkg/contextkeys"
)

// ActorResolver finds the actor for the current operation
type ActorResolver interface {
	ResolveActor(ctx context.Context) *Actor
}

// ActorResolverFunc adapts a function to ActorResolver
type ActorResolverFunc func(ctx context.Context) *Actor

// ResolveActor calls f
func (f ActorResolverFunc) ResolveActor(ctx context.Context) *Actor {
	return f(ctx)
}

// ContextActorResolver reads the actor stored by WithActor
var ContextActorResolver = ActorResolverFunc(ActorFromContext)

// WithActor stores the acting user in the context
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, contextkeys.ActorKey, actor)
}

// ActorFromContext returns the actor stored by WithActor, or nil
func ActorFromContext(ctx context.Context) *Actor {
	if a, ok := ctx.Value(contextkeys.ActorKey).(*Actor); ok {
		return a
	}
	return nil
}

// RoleSet is the set of actor roles whose actions are recorded. An empty
// set records every role.
type RoleSet map[string]struct{}

// NewRoleSet builds a RoleSet; role names are case-insensitive
func NewRoleSet(roles ...string) RoleSet {
	rs := make(RoleSet, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			rs[r] = struct{}{}
		}
	}
	return rs
}

// Tracks reports whether actions by role are recorded
func (rs RoleSet) Tracks(role string) bool {
	if len(rs) == 0 {
		return true
	}
	_, ok := rs[strings.ToLower(role)]
	return ok
}
